package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"text/tabwriter"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/symbolserver/pkg/memdb"
	"github.com/grafana/symbolserver/pkg/sdk"
	"github.com/grafana/symbolserver/pkg/stash"
)

const (
	compressionNone = "none"
	compressionGzip = "gzip"
	compressionZstd = "zstd"
)

type memdbBuildParams struct {
	sdkID       string
	output      string
	compression string
	duplicates  bool
	inputs      []string
}

func addMemdbBuildParams(cmd *kingpin.CmdClause) *memdbBuildParams {
	params := &memdbBuildParams{}
	cmd.Flag("sdk", "SDK identifier the database is built for, for example iOS_10.3.1_14E8301.").Required().StringVar(&params.sdkID)
	cmd.Flag("output", "Output file. Defaults to <sdk>.memdb in the working directory.").Default("").StringVar(&params.output)
	cmd.Flag("compression", "Compression of the output file.").Default(compressionNone).EnumVar(&params.compression,
		compressionNone, compressionGzip, compressionZstd)
	cmd.Flag("allow-duplicates", "Keep symbols sharing an address instead of failing.").Default("false").BoolVar(&params.duplicates)
	cmd.Arg("listing", `Symbol listings. Each image starts with a line "image <uuid|-> <arch> <vmaddr|-> <path>" followed by "<addr> <name>" lines.`).Required().ExistingFilesVar(&params.inputs)
	return params
}

func memdbBuild(ctx context.Context, params *memdbBuildParams) error {
	info, err := sdk.Parse(params.sdkID)
	if err != nil {
		return err
	}
	output := params.output
	if output == "" {
		output = info.ObjectName()
	}

	var opts []memdb.Option
	if params.duplicates {
		opts = append(opts, memdb.WithDuplicates())
	}
	w := memdb.NewWriter(info.ID(), opts...)

	images := make([][]memdb.ImageSpec, len(params.inputs))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, input := range params.inputs {
		g.Go(func() error {
			f, err := os.Open(input)
			if err != nil {
				return err
			}
			defer f.Close()
			if images[i], err = parseListing(f); err != nil {
				return fmt.Errorf("%s: %w", input, err)
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}

	var symbols int
	for _, specs := range images {
		for _, spec := range specs {
			if err = w.AddImage(spec); err != nil {
				return err
			}
			symbols += len(spec.Symbols)
		}
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = writeCompressed(f, w, params.compression); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	level.Info(logger).Log("msg", "database written", "sdk", info.ID(), "output", output, "symbols", symbols)
	return nil
}

func writeCompressed(out io.Writer, w io.WriterTo, compression string) error {
	var (
		enc io.WriteCloser
		err error
	)
	switch compression {
	case compressionGzip:
		enc = gzip.NewWriter(out)
	case compressionZstd:
		if enc, err = zstd.NewWriter(out); err != nil {
			return err
		}
	default:
		_, err = w.WriteTo(out)
		return err
	}
	if _, err = w.WriteTo(enc); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func parseListing(r io.Reader) ([]memdb.ImageSpec, error) {
	var (
		images []memdb.ImageSpec
		cur    *memdb.ImageSpec
		lineNo int
	)
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64<<10), 1<<20)
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "image ") {
			spec, err := parseImageLine(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			images = append(images, spec)
			cur = &images[len(images)-1]
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("line %d: symbol before the first image", lineNo)
		}
		addr, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("line %d: symbol without a name", lineNo)
		}
		a, err := parseAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		cur.Symbols = append(cur.Symbols, memdb.Entry{Addr: a, Name: strings.TrimSpace(name)})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return images, nil
}

func parseImageLine(line string) (memdb.ImageSpec, error) {
	var spec memdb.ImageSpec
	fields := strings.SplitN(line, " ", 5)
	if len(fields) < 4 {
		return spec, fmt.Errorf("malformed image line %q", line)
	}
	if fields[1] != "-" {
		id, err := uuid.Parse(fields[1])
		if err != nil {
			return spec, fmt.Errorf("invalid image uuid: %w", err)
		}
		spec.UUID = id
	}
	spec.Arch = fields[2]
	if fields[3] != "-" {
		v, err := parseAddr(fields[3])
		if err != nil {
			return spec, err
		}
		spec.VMAddr, spec.HasVMAddr = v, true
	}
	if len(fields) == 5 {
		spec.Path = strings.TrimSpace(fields[4])
	}
	return spec, nil
}

type memdbInspectParams struct {
	file    string
	symbols bool
}

func addMemdbInspectParams(cmd *kingpin.CmdClause) *memdbInspectParams {
	params := &memdbInspectParams{}
	cmd.Arg("file", "Database file, optionally gzip or zstd compressed.").Required().ExistingFileVar(&params.file)
	cmd.Flag("symbols", "Also print the symbol table of every image.").Default("false").BoolVar(&params.symbols)
	return params
}

func memdbInspect(params *memdbInspectParams) error {
	data, err := os.ReadFile(params.file)
	if err != nil {
		return err
	}
	if data, err = stash.Decompress(data); err != nil {
		return err
	}
	db, err := memdb.Open(data, memdb.WithCRC())
	if err != nil {
		return err
	}
	return outputDatabase(os.Stdout, db, params.symbols)
}

func outputDatabase(out io.Writer, db *memdb.DB, symbols bool) error {
	fmt.Fprintf(out, "sdk: %s\nsize: %d bytes\nimages: %d\n\n", db.SdkID(), db.Size(), len(db.Images()))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tARCH\tVMADDR\tSYMBOLS\tPATH")
	for _, img := range db.Images() {
		id := "-"
		if u, ok := img.UUID(); ok {
			id = u.String()
		}
		vmaddr := "-"
		if v, ok := img.VMAddr(); ok {
			vmaddr = fmt.Sprintf("0x%x", v)
		}
		path := img.Path()
		if img.Anomalous() {
			path += " (duplicate addresses)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", id, img.Arch(), vmaddr, img.Symbols().Len(), path)
		if symbols {
			t := img.Symbols()
			for i := 0; i < t.Len(); i++ {
				e := t.Entry(i)
				fmt.Fprintf(tw, "\t\t0x%x\t\t%s\n", e.Addr, e.Name)
			}
		}
	}
	return tw.Flush()
}
