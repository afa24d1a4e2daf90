package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/symbolserver/pkg/api"
)

const envPrefix = "SYMBOLSERVER_"

var (
	json            = jsoniter.ConfigCompatibleWithStandardLibrary
	userAgentHeader = fmt.Sprintf("symbolserver-cli/%s", version.Version)
)

type commander interface {
	Flag(name, help string) *kingpin.FlagClause
	Arg(name, help string) *kingpin.ArgClause
}

type symbolserverClient struct {
	URL    string
	client *http.Client
}

func addClient(cmd commander) *symbolserverClient {
	client := &symbolserverClient{}
	cmd.Flag("url", "URL of the symbol server.").Default("http://localhost:3000").Envar(envPrefix + "URL").StringVar(&client.URL)
	return client
}

func (c *symbolserverClient) httpClient() *http.Client {
	if c.client == nil {
		c.client = http.DefaultClient
	}
	return c.client
}

func (c *symbolserverClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.URL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgentHeader)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e api.Error
		if json.Unmarshal(b, &e) == nil && e.Type != "" {
			return fmt.Errorf("%s: %s (status %d)", e.Type, e.Message, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.Unmarshal(b, out)
}

type lookupParams struct {
	*symbolserverClient
	sdkID       string
	cpuName     string
	imageAddr   string
	imageVMAddr string
	imageUUID   string
	imagePath   string
	addrs       []string
}

func addLookupParams(cmd commander) *lookupParams {
	params := &lookupParams{symbolserverClient: addClient(cmd)}
	cmd.Flag("sdk", "SDK identifier, for example iOS_10.3.1_14E8301.").Required().StringVar(&params.sdkID)
	cmd.Flag("cpu", "CPU architecture of the crashed process.").Default("arm64").StringVar(&params.cpuName)
	cmd.Flag("image-addr", "Address the image was loaded at.").Default("0").StringVar(&params.imageAddr)
	cmd.Flag("image-vmaddr", "Link address of the image, if known.").Default("").StringVar(&params.imageVMAddr)
	cmd.Flag("image-uuid", "Debug identifier of the image.").Default("").StringVar(&params.imageUUID)
	cmd.Flag("image-path", "Object path of the image.").Default("").StringVar(&params.imagePath)
	cmd.Arg("addr", "Runtime addresses to resolve, decimal or 0x-prefixed.").Required().StringsVar(&params.addrs)
	return params
}

func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

func (p *lookupParams) request() (*api.LookupRequest, error) {
	imageAddr, err := parseAddr(p.imageAddr)
	if err != nil {
		return nil, err
	}
	q := api.SymbolQuery{ImageAddr: &imageAddr}
	if p.imageVMAddr != "" {
		v, err := parseAddr(p.imageVMAddr)
		if err != nil {
			return nil, err
		}
		q.ImageVMAddr = &v
	}
	if p.imageUUID != "" {
		id, err := uuid.Parse(p.imageUUID)
		if err != nil {
			return nil, fmt.Errorf("invalid image uuid: %w", err)
		}
		q.ImageUUID = &id
	}
	if p.imagePath != "" {
		q.ImagePath = &p.imagePath
	}

	req := &api.LookupRequest{
		SdkID:   p.sdkID,
		CPUName: p.cpuName,
		Symbols: make([]*api.SymbolQuery, len(p.addrs)),
	}
	for i, a := range p.addrs {
		addr, err := parseAddr(a)
		if err != nil {
			return nil, err
		}
		sq := q
		sq.Addr = &addr
		req.Symbols[i] = &sq
	}
	return req, nil
}

func lookup(ctx context.Context, params *lookupParams) error {
	req, err := params.request()
	if err != nil {
		return err
	}
	var resp api.LookupResponse
	if err = params.do(ctx, http.MethodPost, "/lookup", req, &resp); err != nil {
		return err
	}
	return outputSymbols(os.Stdout, req, &resp)
}

func outputSymbols(w io.Writer, req *api.LookupRequest, resp *api.LookupResponse) error {
	for i, s := range resp.Symbols {
		addr := *req.Symbols[i].Addr
		if s == nil {
			if _, err := fmt.Fprintf(w, "0x%x\t??\n", addr); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "0x%x\t%s\t0x%x\t%s\n", addr, s.Symbol, s.Addr, s.ObjectName); err != nil {
			return err
		}
	}
	return nil
}

type sdksParams struct {
	*symbolserverClient
	cached bool
}

func addSdksParams(cmd commander) *sdksParams {
	params := &sdksParams{symbolserverClient: addClient(cmd)}
	cmd.Flag("cached", "Only list SDKs whose database is held in memory.").Default("false").BoolVar(&params.cached)
	return params
}

func listSdks(ctx context.Context, params *sdksParams) error {
	var resp api.SdksResponse
	if err := params.do(ctx, http.MethodGet, "/sdks", nil, &resp); err != nil {
		return err
	}
	ids := resp.Sdks
	if params.cached {
		ids = resp.Cached
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}
