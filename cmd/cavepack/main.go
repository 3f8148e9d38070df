// cavepack: relocate an ELF subroutine into a disguised code cave.
//
// The named subroutine's body is moved into a writable section, each
// instruction hidden behind a short jump and decoy opcode bytes, and the
// subroutine entry is rewritten to jump there. With -replace the cave holds
// an external payload instead. An output path ending in ".zst" is written
// zstd compressed.
//
// Usage:
//
//	cavepack [flags] <input> <subroutine> <output>
//	cavepack -list <image>
//	cavepack -ledger DIR -show [image]
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"

	"github.com/fortiblox/cavepack/pkg/digest"
	"github.com/fortiblox/cavepack/pkg/elfimage"
	"github.com/fortiblox/cavepack/pkg/imagefile"
	"github.com/fortiblox/cavepack/pkg/ledger"
	"github.com/fortiblox/cavepack/pkg/packer"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitMismatch = 3
)

var errUsage = errors.New("usage: cavepack [flags] <input> <subroutine> <output>")

// options holds the parsed command line.
type options struct {
	replace   string
	keys      string
	ledgerDir string
	show      bool
	list      bool
	verbose   bool
	version   bool
	args      []string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet("cavepack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.replace, "replace", "", `Place FILE (or the built-in "demo" payload) in the cave instead of the obfuscated body`)
	fs.StringVar(&opts.keys, "keys", "", "Key policy: static or delta (default from CAVEPACK_KEYS, else static)")
	fs.StringVar(&opts.ledgerDir, "ledger", "", "Record every written image in the ledger at DIR")
	fs.BoolVar(&opts.show, "show", false, "Print the ledger records of an image (or every record) and exit")
	fs.BoolVar(&opts.list, "list", false, "Print the entry point, sections and functions of an image and exit")
	fs.BoolVar(&opts.verbose, "v", false, "Print listings, padded slots and keys")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprintln(stderr, errUsage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.args = fs.Args()
	return opts, nil
}

func main() {
	log.SetHandler(cli.New(os.Stderr))
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one invocation and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if opts.version {
		fmt.Fprintf(stdout, "cavepack %s (%s)\n", Version, GitCommit)
		return exitOK
	}

	if opts.verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if opts.list {
		if err := list(opts, stdout); err != nil {
			log.WithError(err).Error("list failed")
			return exitFailure
		}
		return exitOK
	}

	if opts.show {
		if err := show(opts, stdout); err != nil {
			log.WithError(err).Error("show failed")
			return exitFailure
		}
		return exitOK
	}

	if len(opts.args) != 3 {
		fmt.Fprintln(stderr, errUsage)
		return exitUsage
	}

	if err := pack(opts); err != nil {
		ctx := log.WithError(err)
		if stage, ok := packer.FailedStage(err); ok {
			ctx = ctx.WithField("stage", stage)
		}
		ctx.Error("packing failed, no output written")
		if packer.IsPolicyMismatch(err) {
			return exitMismatch
		}
		return exitFailure
	}
	return exitOK
}

// pack runs the whole pipeline and writes the output once.
func pack(opts *options) error {
	inputPath, name, outputPath := opts.args[0], opts.args[1], opts.args[2]

	policy := packer.DefaultPolicy()
	if err := applyEnv(&policy); err != nil {
		return err
	}
	if opts.keys != "" {
		keys, err := packer.ParseKeyPolicy(opts.keys)
		if err != nil {
			return err
		}
		policy.Keys = keys
	}

	strategy, err := selectStrategy(opts.replace)
	if err != nil {
		return err
	}

	in, err := imagefile.Read(inputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if in.Compressed {
		log.WithField("size", len(in.Data)).Debug("decompressed zstd input")
	}

	img, err := elfimage.Parse(in.Data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", inputPath, err)
	}

	p, err := packer.New(policy)
	if err != nil {
		return err
	}

	res, err := p.Run(img, name, strategy)
	if err != nil {
		return err
	}
	emitTrace(&res.Trace)

	data := res.Image
	if strings.HasSuffix(outputPath, ".zst") {
		if data, err = imagefile.Compress(res.Image); err != nil {
			return fmt.Errorf("compress output: %w", err)
		}
		log.WithField("size", len(data)).Debug("compressed output")
	}

	if err := imagefile.WriteAtomic(outputPath, data, in.Mode); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	out := digest.Image(res.Image)
	log.WithFields(log.Fields{
		"output":   outputPath,
		"bytes":    len(res.Image),
		"digest":   out.Short(),
		"strategy": res.Strategy,
	}).Info("wrote image")

	if opts.ledgerDir != "" {
		rec := newRecord(res, policy, in, outputPath, out)
		if err := record(opts.ledgerDir, rec); err != nil {
			log.WithError(err).Warn("image written but not recorded in the ledger")
		}
	}

	return nil
}

func selectStrategy(replace string) (packer.Strategy, error) {
	switch replace {
	case "":
		return packer.Obfuscate{}, nil
	case "demo":
		return packer.Replace{Payload: packer.DemoPayload}, nil
	}

	f, err := imagefile.Read(replace)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return packer.Replace{Payload: f.Data}, nil
}

// emitTrace logs every event at info level and its detail lines at debug
// level.
func emitTrace(trace *packer.Trace) {
	for _, ev := range trace.Events {
		ctx := log.WithField("stage", ev.Stage)
		ctx.Info(ev.Message)
		for _, line := range ev.Lines {
			log.Debugf("  %s", line)
		}
	}
}

func newRecord(res *packer.Result, policy packer.Policy, in *imagefile.File, outputPath string, out digest.Digest) *ledger.Record {
	cave := res.Plan.Cave
	rec := &ledger.Record{
		Output:      out,
		Input:       digest.Image(in.Data),
		OutputPath:  outputPath,
		InputPath:   in.Path,
		Symbol:      res.Plan.Subroutine.Name,
		Strategy:    res.Strategy,
		Entry:       res.Plan.EntryAddress,
		CaveSection: cave.Section.Name,
		CaveStart:   cave.Range().Start,
		CaveEnd:     cave.Range().End,
		Slots:       len(res.Slots()),
		Payload:     digest.Payload(cave.Content),
		CreatedAt:   time.Now().UTC(),
	}
	if rec.Slots > 0 {
		rec.Keys = policy.Keys.String()
	}
	return rec
}

func openLedger(dir string) (*ledger.Ledger, error) {
	cfg := ledger.DefaultConfig(dir)
	cfg.Logger = ledger.NewLogger(log.Log)
	return ledger.Open(cfg)
}

func record(dir string, rec *ledger.Record) error {
	l, err := openLedger(dir)
	if err != nil {
		return err
	}
	defer l.Close()

	if err := l.Put(rec); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"ledger":  dir,
		"payload": rec.Payload.Short(),
	}).Debug("recorded image")
	return nil
}

// show prints the ledger records matching an image, looked up first as an
// output and then as an input. Without an image it prints every record.
func show(opts *options, stdout io.Writer) error {
	if opts.ledgerDir == "" || len(opts.args) > 1 {
		return errors.New("usage: cavepack -ledger DIR -show [image]")
	}

	l, err := openLedger(opts.ledgerDir)
	if err != nil {
		return err
	}
	defer l.Close()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if len(opts.args) == 0 {
		return l.Iterate(func(r *ledger.Record) error {
			return enc.Encode(r)
		})
	}

	f, err := imagefile.Read(opts.args[0])
	if err != nil {
		return err
	}
	d := digest.Image(f.Data)

	var recs []*ledger.Record
	rec, err := l.Get(d)
	switch {
	case err == nil:
		recs = append(recs, rec)
	case errors.Is(err, ledger.ErrNotFound):
		recs, err = l.FromInput(d)
		if err != nil {
			return err
		}
	default:
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("%w: %s (%s)", ledger.ErrNotFound, opts.args[0], d)
	}

	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
