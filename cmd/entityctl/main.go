// Command entityctl reads and writes entities through units of work and can
// serve them over HTTP.
//
//	entityctl [-config file] [-schema file] [-env file] <command> [args]
//
// Commands:
//
//	types                    list registered entity types
//	get <type> <id>          print an entity as JSON
//	put <type> <id> [json]   create or update an entity (JSON from stdin when omitted)
//	remove <type> <id>       remove an entity
//	list <type>              query entities (-where, -order, -first, -max)
//	serve                    run the HTTP API (-addr)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"entitycore/internal/config"
	"entitycore/internal/core"
	"entitycore/internal/httpapi"
	"entitycore/internal/logging"
	"entitycore/internal/metrics"
	"entitycore/internal/storage"
	"entitycore/pkg/domain"
)

var exitFunc = os.Exit

const usage = "usage: entityctl [-config file] [-schema file] [-env file] types|get|put|remove|list|serve ..."

func main() {
	code := cli(os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("entityctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML configuration")
	schemaPath := fs.String("schema", "", "path to YAML entity schema (overrides config)")
	envPath := fs.String("env", ".env", "dotenv file merged under the environment")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		_, _ = fmt.Fprintln(stderr, usage)
		return 2
	}

	cfg, err := config.Load(*configPath, config.WithDotEnv(*envPath))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *schemaPath != "" {
		cfg.Schema = *schemaPath
	}
	app, err := open(context.Background(), cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer func() { _ = app.backend.Close() }()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "types":
		err = app.types(stdout)
	case "get":
		err = app.get(cmdArgs, stdout)
	case "put":
		err = app.put(cmdArgs, stdin, stdout)
	case "remove":
		err = app.remove(cmdArgs)
	case "list":
		err = app.list(cmdArgs, stdout, stderr)
	case "serve":
		err = app.serve(cmdArgs, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n%s\n", cmd, usage)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	return 0
}

type app struct {
	cfg      config.Config
	backend  *storage.Backend
	factory  *core.Factory
	logger   *logging.Logger
	recorder *metrics.Recorder
}

func open(ctx context.Context, cfg config.Config, logOut io.Writer) (*app, error) {
	logger, err := logging.New(logOut, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	reg := domain.NewRegistry()
	if cfg.Schema != "" {
		if err := config.LoadSchema(cfg.Schema, reg); err != nil {
			return nil, err
		}
	}
	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	opts := []core.Option{
		core.WithLogger(logger.With("driver", backend.Driver)),
		core.WithScope(domain.Scope{Module: cfg.Scope.Module, Layer: cfg.Scope.Layer}),
	}
	a := &app{cfg: cfg, backend: backend, logger: logger}
	if cfg.Metrics.Enabled {
		a.recorder = metrics.NewRecorder(cfg.Metrics.Namespace)
		opts = append(opts, core.WithMetricsRecorder(a.recorder))
	}
	a.factory = core.NewFactory(backend.Store, reg, opts...)
	return a, nil
}

func (a *app) types(out io.Writer) error {
	for _, desc := range a.factory.Registry().Types() {
		if _, err := fmt.Fprintf(out, "%s\t%s\t%s\n", desc.Name, desc.Module, desc.Visibility); err != nil {
			return err
		}
	}
	return nil
}

func typeAndID(args []string) (string, string, error) {
	if len(args) < 2 {
		return "", "", errors.New("expected <type> <id>")
	}
	return args[0], args[1], nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) get(args []string, out io.Writer) error {
	entityType, id, err := typeAndID(args)
	if err != nil {
		return err
	}
	var value core.EntityValue
	err = a.factory.Run(context.Background(), func(ctx context.Context, uow *core.UnitOfWork) error {
		e, err := uow.Get(ctx, entityType, id)
		if err != nil {
			return err
		}
		value = core.ToValue(e)
		return nil
	}, core.WithUsecase(core.NewUsecase("cli.get")))
	if err != nil {
		return err
	}
	return printJSON(out, value)
}

func (a *app) put(args []string, in io.Reader, out io.Writer) error {
	entityType, id, err := typeAndID(args)
	if err != nil {
		return err
	}
	var data []byte
	if len(args) > 2 {
		data = []byte(strings.Join(args[2:], " "))
	} else if data, err = io.ReadAll(in); err != nil {
		return err
	}
	value, err := core.DecodeEntityValue(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode entity: %w", err)
	}
	value.Reference = domain.EntityReference(id)

	var ent *core.Entity
	err = a.factory.Run(context.Background(), func(ctx context.Context, uow *core.UnitOfWork) error {
		e, err := uow.ToEntity(ctx, entityType, value)
		ent = e
		return err
	},
		core.WithUsecase(core.NewUsecase("cli.put")),
		core.WithRetries(3, 10*time.Millisecond, 10*time.Millisecond),
	)
	if err != nil {
		return err
	}
	return printJSON(out, core.ToValue(ent))
}

func (a *app) remove(args []string) error {
	entityType, id, err := typeAndID(args)
	if err != nil {
		return err
	}
	return a.factory.Run(context.Background(), func(ctx context.Context, uow *core.UnitOfWork) error {
		e, err := uow.Get(ctx, entityType, id)
		if err != nil {
			return err
		}
		return uow.Remove(ctx, e)
	}, core.WithUsecase(core.NewUsecase("cli.remove")))
}

func (a *app) list(args []string, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	where := fs.String("where", "", "expression filter, e.g. 'age > 30'")
	order := fs.String("order", "", "comma separated properties, '-' prefix for descending")
	first := fs.Int("first", 0, "index of the first result")
	maxResults := fs.Int("max", -1, "maximum number of results (-1 for all)")
	if len(args) == 0 {
		return errors.New("expected <type>")
	}
	entityType := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	var pred core.Predicate
	if *where != "" {
		p, err := core.Expr(*where)
		if err != nil {
			return err
		}
		pred = p
	}
	return a.factory.Run(context.Background(), func(ctx context.Context, uow *core.UnitOfWork) error {
		q, err := uow.NewQuery(entityType)
		if err != nil {
			return err
		}
		if pred != nil {
			q.Where(pred)
		}
		if *order != "" {
			q.OrderBy(core.ParseOrder(*order)...)
		}
		for e, err := range q.FirstResult(*first).MaxResults(*maxResults).All(ctx) {
			if err != nil {
				return err
			}
			line, err := json.Marshal(core.ToValue(e))
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(out, string(line)); err != nil {
				return err
			}
		}
		return nil
	}, core.WithUsecase(core.NewUsecase("cli.list")))
}

func (a *app) serve(args []string, errOut io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(errOut)
	addr := fs.String("addr", a.cfg.HTTP.Addr, "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := []httpapi.Option{httpapi.WithLogger(a.logger)}
	if a.recorder != nil {
		opts = append(opts, httpapi.WithMetricsHandler(a.recorder.Handler()))
	}
	srv := &http.Server{
		Addr:              *addr,
		Handler:           httpapi.New(a.factory, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.logger.Info("serving entities", "addr", *addr, "driver", a.backend.Driver)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
