package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmoiron/bsedit/internal/app"
	"github.com/jmoiron/bsedit/internal/backup"
	"github.com/jmoiron/bsedit/internal/config"
	"github.com/jmoiron/bsedit/internal/schema"
	flag "github.com/spf13/pflag"
)

// version is set at build time via -ldflags; defaults to dev.
var version = "dev"

func main() {
	var (
		listen      string
		envDir      string
		configPath  string
		restore     string
		showVersion bool
		check       bool
		verbose     int
		quit        bool
	)

	flag.StringVar(&listen, "addr", "0.0.0.0:8222", "listen address for the web UI (host:port)")
	flag.StringVar(&envDir, "env", "", "environment directory with templates, components and icons (default: the map directory)")
	flag.StringVar(&configPath, "config", "", "config file (default: "+config.Filename+" in the environment directory)")
	flag.StringVar(&restore, "restore", "", "write the newest backup of `map` over its file and exit")
	flag.BoolVar(&check, "check", false, "validate every map against the map schema and exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.CountVarP(&verbose, "verbose", "v", "increase verbosity; repeat for more detail")
	flag.BoolVarP(&quit, "quit", "q", false, "initialize (load environment, open maps), then exit without serving")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bsedit [options] <map-dir>\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if verbose > 0 {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	mapDir, err := dirArg(flag.Arg(0))
	if err != nil {
		log.Fatalf("map dir: %v", err)
	}

	if check {
		if n := checkMaps(mapDir); n > 0 {
			os.Exit(1)
		}
		return
	}

	if envDir == "" {
		envDir = mapDir
	}
	if envDir, err = dirArg(envDir); err != nil {
		log.Fatalf("env dir: %v", err)
	}
	var cfg config.Config
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadDir(envDir)
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if restore != "" {
		if err := restoreMap(mapDir, cfg, restore); err != nil {
			log.Fatalf("restore: %v", err)
		}
		return
	}

	slog.Debug("starting", "version", version, "maps", mapDir, "env", envDir, "verbosity", verbose)
	fmt.Printf("bsedit %s\n", version)

	// Start app server
	a, err := app.New(app.Options{
		MapDir:  mapDir,
		EnvDir:  envDir,
		Config:  cfg,
		Verbose: verbose,
		Log:     logger,
	})
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()
	log.Printf("scan summary: %d parsed, %d failed", len(a.WS.Docs), len(a.WS.Failures))
	for _, f := range a.WS.Failures {
		log.Printf("  %s: %s", f.Name, f.Err)
	}
	if quit {
		log.Printf("initialized successfully; loaded %d maps; quitting (--quit)", len(a.WS.Docs))
		return
	}
	log.Printf("listening on http://%s", listen)
	if err := httpListenAndServe(listen, a.Router()); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// dirArg resolves p to an absolute path of an existing directory.
func dirArg(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}

// checkMaps validates every map in dir, reporting each file, and returns
// how many failed.
func checkMaps(dir string) int {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+app.MapExt))
	if err != nil {
		log.Fatalf("check: %v", err)
	}
	sort.Strings(paths)
	failed := 0
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err == nil {
			err = schema.Validate(b)
		}
		name := filepath.Base(p)
		if err != nil {
			failed++
			fmt.Printf("FAIL %s\n", name)
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Printf("    %s\n", line)
			}
			continue
		}
		fmt.Printf("ok   %s\n", name)
	}
	fmt.Printf("%d checked, %d failed\n", len(paths), failed)
	return failed
}

// restoreMap replaces a map file with its newest backup. The file being
// replaced is backed up first.
func restoreMap(dir string, cfg config.Config, name string) error {
	if cfg.Backup.Dir == "" {
		return errors.New("backups are disabled")
	}
	file := strings.TrimSuffix(filepath.Base(name), app.MapExt) + app.MapExt
	store := backup.New(cfg.Backup.Dir, cfg.Backup.Keep)
	e, err := store.Latest(file)
	if err != nil {
		return err
	}
	data, err := store.Read(e)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, file)
	cur, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	default:
		if _, err := store.Snapshot(file, cur); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	log.Printf("restored %s from backup taken %s", file, e.Time.Local().Format("2006-01-02 15:04:05"))
	return nil
}

// httpListenAndServe exists to facilitate testing/mocking if desired.
var httpListenAndServe = func(addr string, h http.Handler) error {
	return http.ListenAndServe(addr, h)
}
