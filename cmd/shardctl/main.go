// Command shardctl inspects and maintains a shard archive directory.
//
//	shardctl create -dir data -element 32 -key 8 -shards 4
//	shardctl info   -dir data [-headers]
//	shardctl verify -dir data [-shard 2]
//	shardctl repair -dir data -shard 2
//	shardctl split  -dir data -shard 2 -parts 4
//	shardctl export -dir data -file dump.zst
//	shardctl import -dir data -file dump.zst
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/davecgh/go-spew/spew"

	archive "github.com/luhtfiimanal/go-shard-archive"
	"github.com/luhtfiimanal/go-shard-archive/internal/shardfile"
)

type cliFlags struct {
	dir     string
	envFile string
	create  bool
	verbose bool
	element int
	key     int
	shards  int
	shard   int
	parts   int
	file    string
	headers bool
}

var commands = map[string]func(context.Context, cliFlags) error{
	"create": cmdCreate,
	"info":   cmdInfo,
	"verify": cmdVerify,
	"repair": cmdRepair,
	"split":  cmdSplit,
	"export": cmdExport,
	"import": cmdImport,
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: shardctl <create|info|verify|repair|split|export|import> [flags]")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}

	var f cliFlags
	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	fs.StringVar(&f.dir, "dir", ".", "archive directory")
	fs.StringVar(&f.envFile, "env", ".env", "dotenv file with SHARDARCHIVE_* settings")
	fs.BoolVar(&f.verbose, "v", false, "debug logging")
	fs.IntVar(&f.element, "element", 32, "record size in bytes (create)")
	fs.IntVar(&f.key, "key", 8, "key prefix size in bytes (create)")
	fs.IntVar(&f.shards, "shards", 4, "number of uniform shards (create)")
	fs.IntVar(&f.shard, "shard", -1, "shard id")
	fs.IntVar(&f.parts, "parts", 2, "number of parts (split)")
	fs.StringVar(&f.file, "file", "", "export file")
	fs.BoolVar(&f.headers, "headers", false, "dump shard file headers (info)")
	fs.Parse(os.Args[2:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd(ctx, f); err != nil {
		fmt.Fprintln(os.Stderr, "shardctl:", err)
		os.Exit(1)
	}
}

func cmdCreate(_ context.Context, f cliFlags) error {
	f.create = true
	return run(f, func(a *archive.Archive, cfg config) error {
		fmt.Printf("created %s: %d shards, element %d, key %d\n", cfg.Dir, a.NumShards(), a.ElementSize(), a.KeySize())
		return nil
	})
}

func cmdInfo(_ context.Context, f cliFlags) error {
	return run(f, func(a *archive.Archive, cfg config) error {
		fmt.Printf("dir      %s\nelement  %d\nkey      %d\nshards   %d\n", cfg.Dir, a.ElementSize(), a.KeySize(), a.NumShards())
		for id, r := range a.Ranges() {
			fmt.Printf("  %3d  %x  %s\n", id, r.UpperBound, r.Filename)
		}
		if !f.headers {
			return nil
		}
		cs := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true}
		for _, r := range a.Ranges() {
			sf, err := shardfile.Open(filepath.Join(cfg.Dir, r.Filename), shardfile.ReadOnly, shardfile.Options{IndexSize: a.Options().IndexSize})
			if errors.Is(err, os.ErrNotExist) {
				fmt.Printf("%s: not created yet\n", r.Filename)
				continue
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d records, %d index chunks\n", r.Filename, sf.Len(), sf.Index().Filled())
			cs.Dump(sf.Header())
			if err := sf.Close(); err != nil {
				return err
			}
		}
		return nil
	})
}

func printReport(rep archive.Report) {
	status := "ok"
	switch {
	case rep.Missing:
		status = "empty"
	case !rep.OK():
		status = "INCONSISTENT"
	}
	fmt.Printf("%3d  %-24s %-12s records=%d ordered=%t index=%t digest=%016x\n",
		rep.Shard, rep.File, status, rep.Records, rep.Ordered, rep.IndexConsistent, rep.Digest)
}

func cmdVerify(_ context.Context, f cliFlags) error {
	return run(f, func(a *archive.Archive, _ config) error {
		if f.shard >= 0 {
			rep, err := a.Verify(f.shard)
			printReport(rep)
			return err
		}
		reps, err := a.VerifyAll()
		for _, rep := range reps {
			printReport(rep)
		}
		return err
	})
}

func cmdRepair(_ context.Context, f cliFlags) error {
	if f.shard < 0 {
		return fmt.Errorf("repair needs -shard")
	}
	return run(f, func(a *archive.Archive, _ config) error {
		rep, err := a.Repair(f.shard)
		printReport(rep)
		return err
	})
}

func cmdSplit(ctx context.Context, f cliFlags) error {
	if f.shard < 0 {
		return fmt.Errorf("split needs -shard")
	}
	return run(f, func(a *archive.Archive, _ config) error {
		ranges, err := a.Split(ctx, f.shard, f.parts)
		if err != nil {
			return err
		}
		for i, r := range ranges {
			fmt.Printf("  %3d  %x  %s\n", f.shard+i, r.UpperBound, r.Filename)
		}
		return nil
	})
}

func cmdExport(ctx context.Context, f cliFlags) error {
	if f.file == "" {
		return fmt.Errorf("export needs -file")
	}
	return run(f, func(a *archive.Archive, _ config) (err error) {
		out, err := os.Create(f.file)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := out.Close(); err == nil {
				err = cerr
			}
		}()
		n, err := a.Export(ctx, out)
		if err != nil {
			return err
		}
		fmt.Printf("exported %d records to %s\n", n, f.file)
		return nil
	})
}

func cmdImport(ctx context.Context, f cliFlags) error {
	if f.file == "" {
		return fmt.Errorf("import needs -file")
	}
	return run(f, func(a *archive.Archive, _ config) error {
		in, err := os.Open(f.file)
		if err != nil {
			return err
		}
		defer in.Close()
		n, err := a.Import(ctx, in)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d records from %s\n", n, f.file)
		return a.Flush(ctx)
	})
}
