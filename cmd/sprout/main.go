// Sprout CLI - runs cartridges, disassembles them and manages savestates
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/sprout/bytecode"
	"github.com/chazu/sprout/compiler"
	"github.com/chazu/sprout/manifest"
	"github.com/chazu/sprout/savestate"
	"github.com/chazu/sprout/server"
	"github.com/chazu/sprout/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("sprout.cmd")

// verbosity is a repeatable -v flag.
type verbosity int

func (v *verbosity) String() string   { return strconv.Itoa(int(*v)) }
func (v *verbosity) IsBoolFlag() bool { return true }

func (v *verbosity) Set(s string) error {
	if s == "true" {
		*v++
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*v = verbosity(n)
	return nil
}

// config holds the parsed command line.
type config struct {
	file        string
	frames      int
	disasm      bool
	interactive bool
	savePath    string
	loadPath    string
	storePath   string
	slot        int
	restore     int
	list        bool
	verbose     verbosity
}

func main() {
	var cfg config
	fs := flag.NewFlagSet("sprout", flag.ExitOnError)
	fs.IntVar(&cfg.frames, "frames", 1, "Number of frames to run")
	fs.BoolVar(&cfg.disasm, "disasm", false, "Print the compiled bytecode and exit")
	fs.BoolVar(&cfg.interactive, "i", false, "Start interactive REPL after running")
	fs.StringVar(&cfg.savePath, "save", "", "Write a snapshot image to `path` after running")
	fs.StringVar(&cfg.loadPath, "load", "", "Restore the instance from the snapshot image at `path`")
	fs.StringVar(&cfg.storePath, "store", "", "Savestate database (default: from sprout.toml)")
	fs.IntVar(&cfg.slot, "slot", -1, "Save the instance into savestate `slot` after running")
	fs.IntVar(&cfg.restore, "restore", -1, "Restore the instance from savestate `slot`")
	fs.BoolVar(&cfg.list, "list", false, "List the cart's savestates and exit")
	lsp := fs.Bool("lsp", false, "Start the language server on stdio")
	fs.Var(&cfg.verbose, "v", "Verbose logging (repeat for more)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sprout [options] [file.sp]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a cart. Without a file the sprout.toml found from the working directory is used.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  sprout -frames 600              # Run the cart in this directory for 600 frames\n")
		fmt.Fprintf(os.Stderr, "  sprout -disasm game.sp          # Show bytecode\n")
		fmt.Fprintf(os.Stderr, "  sprout -frames 60 -slot 1       # Run, then save into slot 1\n")
		fmt.Fprintf(os.Stderr, "  sprout -restore 1 -frames 60 -i # Resume slot 1 and open a REPL\n")
		fmt.Fprintf(os.Stderr, "  sprout -lsp                     # Language server for editors\n")
	}
	fs.Parse(os.Args[1:])

	commonlog.Configure(int(cfg.verbose), nil)

	if *lsp {
		if err := server.NewLSP().Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch fs.NArg() {
	case 0:
	case 1:
		cfg.file = fs.Arg(0)
	default:
		fs.Usage()
		os.Exit(2)
	}

	if err := run(context.Background(), cfg, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes one invocation of the CLI.
func run(ctx context.Context, cfg config, stdin io.Reader, stdout io.Writer) error {
	m, err := cart(cfg.file)
	if err != nil {
		return err
	}
	if cfg.storePath != "" {
		m.Savestate.Path = cfg.storePath
	}

	if cfg.list {
		return listSlots(ctx, m, stdout)
	}

	src, err := m.ReadSource()
	if err != nil && cfg.loadPath == "" && cfg.restore < 0 {
		return err
	}

	if cfg.disasm {
		proto, err := compiler.Compile(m.Cart.Name, src)
		if err != nil {
			return err
		}
		return bytecode.Disassemble(stdout, proto, src)
	}

	opts := m.Runtime.Options()
	opts.Output = stdout
	reg := vm.NewRegistry(m.Runtime.MaxInstances)
	in, err := start(ctx, m, reg, cfg, src, opts)
	if err != nil {
		return err
	}

	runErr := runFrames(in, cfg.frames)
	if runErr != nil {
		fmt.Fprintln(stdout, runErr)
	}

	if cfg.interactive {
		runREPL(in, stdin, stdout)
	}

	if cfg.savePath != "" {
		if err := in.SaveImage(cfg.savePath); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Saved %s (%d frames)\n", cfg.savePath, in.Frames())
	}
	if cfg.slot >= 0 {
		if err := withStore(ctx, m, func(s *savestate.Store) error {
			return s.Save(ctx, m.Cart.Name, cfg.slot, in)
		}); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Saved slot %d (%d frames)\n", cfg.slot, in.Frames())
	}

	if runErr != nil && !cfg.interactive {
		return errors.New("instance stopped")
	}
	return nil
}

// cart returns the manifest for a source file, or the one found from the
// working directory when file is empty. A bare source file gets a manifest
// with default settings named after the file.
func cart(file string) (*manifest.Manifest, error) {
	if file == "" {
		m, err := manifest.FindAndLoad(".")
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, fmt.Errorf("no %s found (pass a source file or run inside a cart)", manifest.FileName)
		}
		return m, nil
	}

	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Parse(nil)
	if err != nil {
		return nil, err
	}
	m.Dir = filepath.Dir(abs)
	m.Cart.Name = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	m.Cart.Source = abs
	return m, nil
}

// start creates the instance the CLI runs: restored from an image file or
// a savestate slot, or freshly loaded from source.
func start(ctx context.Context, m *manifest.Manifest, reg *vm.Registry, cfg config, src []byte, opts vm.Options) (*vm.Instance, error) {
	var in *vm.Instance
	var err error
	switch {
	case cfg.loadPath != "":
		in, err = vm.LoadImage(cfg.loadPath, opts)
	case cfg.restore >= 0:
		err = withStore(ctx, m, func(s *savestate.Store) error {
			in, err = s.Load(ctx, m.Cart.Name, cfg.restore, opts)
			return err
		})
	default:
		in, err = reg.Create(opts)
		if err != nil {
			return nil, err
		}
		data, err := m.ReadData()
		if err != nil {
			return nil, err
		}
		if err := in.Load(src, data); err != nil {
			var cerr *compiler.Error
			if errors.As(err, &cerr) {
				return nil, fmt.Errorf("%s: %w", m.Cart.Source, err)
			}
			// The top level raised; the instance is stopped but inspectable.
			log.Errorf("%s", err)
		}
		return in, nil
	}
	if err != nil {
		return nil, err
	}
	if err := reg.Adopt(in); err != nil {
		return nil, err
	}
	log.Infof("restored instance %s at frame %d", in.ID(), in.Frames())
	return in, nil
}

// runFrames steps the instance n times, stopping at the first runtime
// error.
func runFrames(in *vm.Instance, n int) error {
	for i := 0; i < n; i++ {
		if err := in.Frame(); err != nil {
			return err
		}
	}
	return nil
}

func withStore(ctx context.Context, m *manifest.Manifest, fn func(*savestate.Store) error) error {
	s, err := savestate.Open(ctx, m.SavestatePath())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func listSlots(ctx context.Context, m *manifest.Manifest, w io.Writer) error {
	return withStore(ctx, m, func(s *savestate.Store) error {
		entries, err := s.List(ctx, m.Cart.Name)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintf(w, "No savestates for %s\n", m.Cart.Name)
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%3d  %s  frame %-8d %7d bytes  %s\n",
				e.Slot, e.Created.Format("2006-01-02 15:04:05"), e.Frames, e.Size, e.Instance)
		}
		return nil
	})
}
