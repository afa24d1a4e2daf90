package api

import (
	"github.com/google/uuid"

	"github.com/grafana/symbolserver/pkg/symbolizer"
)

type SymbolQuery struct {
	Addr        *uint64    `json:"addr"`
	ImageAddr   *uint64    `json:"image_addr"`
	ImageVMAddr *uint64    `json:"image_vmaddr,omitempty"`
	ImageUUID   *uuid.UUID `json:"image_uuid,omitempty"`
	ImagePath   *string    `json:"image_path,omitempty"`
}

type LookupRequest struct {
	SdkID   string         `json:"sdk_id"`
	CPUName string         `json:"cpu_name"`
	Symbols []*SymbolQuery `json:"symbols"`
}

type Symbol struct {
	ObjectName string `json:"object_name"`
	Symbol     string `json:"symbol"`
	Addr       uint64 `json:"addr"`
}

type LookupResponse struct {
	Symbols []*Symbol `json:"symbols"`
}

type SdksResponse struct {
	Sdks   []string `json:"sdks"`
	Cached []string `json:"cached"`
}

// toRequest rejects queries that are null or lack one of the addresses, so a
// missing field is never resolved as address zero.
func (r *LookupRequest) toRequest() (*symbolizer.Request, error) {
	req := &symbolizer.Request{
		SdkID: r.SdkID,
		Arch:  r.CPUName,
	}
	if r.Symbols != nil {
		req.Queries = make([]symbolizer.Query, len(r.Symbols))
	}
	for i, q := range r.Symbols {
		switch {
		case q == nil:
			return nil, symbolizer.MalformedBatch("symbols[%d] is null", i)
		case q.Addr == nil:
			return nil, symbolizer.MalformedBatch("symbols[%d]: missing addr", i)
		case q.ImageAddr == nil:
			return nil, symbolizer.MalformedBatch("symbols[%d]: missing image_addr", i)
		}
		req.Queries[i] = symbolizer.Query{
			Addr:        *q.Addr,
			ImageAddr:   *q.ImageAddr,
			ImageVMAddr: q.ImageVMAddr,
			Image:       symbolizer.NewImageRef(q.ImageUUID, q.ImagePath),
		}
	}
	return req, nil
}

func newLookupResponse(symbols []*symbolizer.Symbol) *LookupResponse {
	resp := &LookupResponse{Symbols: make([]*Symbol, len(symbols))}
	for i, s := range symbols {
		if s == nil {
			continue
		}
		resp.Symbols[i] = &Symbol{
			ObjectName: s.ObjectName,
			Symbol:     s.Name,
			Addr:       s.Addr,
		}
	}
	return resp
}
