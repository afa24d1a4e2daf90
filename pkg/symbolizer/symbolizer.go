// Package symbolizer resolves runtime addresses to symbols of an SDK database.
package symbolizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/symbolserver/pkg/memdb"
)

// DatabaseProvider hands out the database of an SDK.
type DatabaseProvider interface {
	Acquire(ctx context.Context, sdkID string) (*memdb.DB, error)
}

// Symbolizer resolves addresses. It keeps no state between calls besides
// metrics and is safe for concurrent use.
type Symbolizer struct {
	logger   log.Logger
	provider DatabaseProvider
	metrics  *metrics
}

func New(logger log.Logger, provider DatabaseProvider, reg prometheus.Registerer) *Symbolizer {
	return &Symbolizer{
		logger:   log.With(logger, "component", "symbolizer"),
		provider: provider,
		metrics:  newMetrics(reg),
	}
}

// Symbolize validates the batch, acquires the SDK database and resolves every
// query. Errors of the provider are returned unchanged; per-query failures
// only produce nil entries.
func (s *Symbolizer) Symbolize(ctx context.Context, req *Request) (_ []*Symbol, err error) {
	start := time.Now()
	status := statusSuccess
	defer func() {
		if err != nil {
			status = "error"
		}
		s.metrics.batchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	if err = req.Validate(); err != nil {
		return nil, err
	}
	db, err := s.provider.Acquire(ctx, req.SdkID)
	if err != nil {
		return nil, err
	}
	s.metrics.batchSize.Observe(float64(len(req.Queries)))
	return s.ResolveBatch(db, req.Arch, req.Queries), nil
}

// ResolveBatch resolves the queries against db. The result has the same
// length and order as queries; unresolved queries are nil.
func (s *Symbolizer) ResolveBatch(db *memdb.DB, arch string, queries []Query) []*Symbol {
	res := make([]*Symbol, len(queries))
	for i, q := range queries {
		img, result := findImage(db, arch, q.Image)
		if img == nil {
			s.metrics.queries.WithLabelValues(result).Inc()
			continue
		}
		res[i] = s.Resolve(img, q)
		if res[i] == nil {
			s.metrics.queries.WithLabelValues(resultNoSymbol).Inc()
			continue
		}
		s.metrics.queries.WithLabelValues(resultResolved).Inc()
	}
	return res
}

func findImage(db *memdb.DB, arch string, ref ImageRef) (*memdb.Image, string) {
	var (
		img *memdb.Image
		ok  bool
	)
	switch ref.Kind() {
	case ImageRefUUID:
		img, ok = db.FindImageByUUID(ref.UUID())
	case ImageRefPath:
		img, ok = db.FindImageByPath(ref.Path(), arch)
	case ImageRefNone:
		return nil, resultNoImageRef
	default:
		panic(fmt.Sprintf("unexpected image reference kind %s", ref.Kind()))
	}
	if !ok {
		return nil, resultImageNotFound
	}
	return img, resultResolved
}

// Resolve finds the symbol of img that contains the query address: the entry
// with the greatest address not above the address translated to link space.
func (s *Symbolizer) Resolve(img *memdb.Image, q Query) *Symbol {
	addr, ok := LinkAddress(img, q)
	if !ok {
		return nil
	}
	table := img.Symbols()
	i := table.Search(addr)
	if i < 0 {
		return nil
	}
	if img.Anomalous() && i > 0 && table.Addr(i-1) == table.Addr(i) {
		first := i
		for first > 0 && table.Addr(first-1) == table.Addr(i) {
			first--
		}
		s.metrics.tableAnomalies.Inc()
		level.Warn(s.logger).Log(
			"msg", "symbols share an address, using the first one",
			"image", img.String(),
			"addr", fmt.Sprintf("%#x", table.Addr(i)),
			"candidates", i-first+1,
		)
		i = first
	}
	return &Symbol{
		ObjectName: img.ObjectName(),
		Name:       table.Name(i),
		Addr:       table.Addr(i),
	}
}

// LinkAddress translates the runtime address of q into the address space the
// image was linked for. The image's own link address wins over the one in the
// query; without either the image is assumed to be linked at zero.
// It reports false when the address lies below the image load address or the
// translated address does not fit in 64 bits.
func LinkAddress(img *memdb.Image, q Query) (uint64, bool) {
	if q.Addr < q.ImageAddr {
		return 0, false
	}
	vmaddr, ok := img.VMAddr()
	if !ok && q.ImageVMAddr != nil {
		vmaddr = *q.ImageVMAddr
	}
	offset := q.Addr - q.ImageAddr
	if vmaddr > math.MaxUint64-offset {
		return 0, false
	}
	return vmaddr + offset, true
}
