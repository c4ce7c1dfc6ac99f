// fc-local loads a schema module through the bridge, serves a local node
// built from --set flags and prints it as JSON. With --merge the node is
// upserted into a document read from a JSON file and the result printed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/fcbridge/internal/bridge"
	"github.com/danmuck/fcbridge/internal/config"
	"github.com/danmuck/fcbridge/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fc-local: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "driver config.toml")
	attach := flag.Bool("attach", false, "connect to a running fc-remote instead of launching one")
	dir := flag.String("modules", "testdata/modules", "module directory")
	module := flag.String("module", "basic", "module name")
	merge := flag.String("merge", "", "JSON document to upsert the local node into")
	leaves := leafValues{}
	flag.Var(leaves, "set", "leaf value as name=value (repeatable)")
	flag.Parse()
	logging.ConfigureRuntime("fc-local")

	cfg := bridge.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadDriverConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := bridge.New(cfg)
	start := d.Load
	if *attach {
		start = d.Attach
	}
	if err := start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := d.Unload(); err != nil {
			log.Warn().Err(err).Msg("fc-local unload")
		}
	}()

	m, err := d.LoadModule(ctx, *dir, *module)
	if err != nil {
		return err
	}
	defer m.Release()

	root := rootNode(leaves)
	out, err := dump(ctx, d, m, root)
	if err != nil {
		return err
	}
	fmt.Println(out)

	if *merge != "" {
		data, err := os.ReadFile(*merge)
		if err != nil {
			return err
		}
		doc, err := d.ReadJSON(ctx, data)
		if err != nil {
			return err
		}
		out, err := mergeInto(ctx, d, m, doc, root)
		if err != nil {
			return err
		}
		fmt.Println(out)
	}
	st := d.Stats()
	log.Debug().Str("session", st.SessionID).Int("strong", st.StrongHandles).Int("weak", st.WeakHandles).Msg("fc-local done")
	return nil
}

func dump(ctx context.Context, d *bridge.Driver, m *bridge.Module, n bridge.Node) (string, error) {
	b, err := d.NewBrowser(ctx, m, n)
	if err != nil {
		return "", err
	}
	defer b.Release()
	sel, err := b.Root(ctx)
	if err != nil {
		return "", err
	}
	out, err := sel.WriteJSON(ctx)
	return out, errors.Join(err, sel.Release(ctx))
}

func mergeInto(ctx context.Context, d *bridge.Driver, m *bridge.Module, doc, n bridge.Node) (string, error) {
	b, err := d.NewBrowser(ctx, m, doc)
	if err != nil {
		return "", err
	}
	defer b.Release()
	sel, err := b.Root(ctx)
	if err != nil {
		return "", err
	}
	defer sel.Release(ctx)
	if err := sel.UpsertInto(ctx, n); err != nil {
		return "", err
	}
	return sel.WriteJSON(ctx)
}
