// funksiyachi talks to a function service.
//
//	funksiyachi [flags] [whoami | projects | check PROJECT]
//
// The GitHub token is read from --token or FUNKSIYACHI_GITHUB_TOKEN.
// Loopback servers are trusted through the embedded development
// certificate, any other server must present a publicly trusted one.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/floss-uz-community/funksiyachi"
	"github.com/floss-uz-community/funksiyachi/internal/config"
	"github.com/floss-uz-community/funksiyachi/internal/gateway"
	"github.com/hashicorp/go-metrics"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		config.Exitf("funksiyachi: %v", err)
	}
}

func run() error {
	cfg, args, err := config.LoadClient(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if cfg.GitHubToken == "" {
		return errors.New("a GitHub token is required, set --token or FUNKSIYACHI_GITHUB_TOKEN")
	}

	command := "whoami"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := config.LogHandler(cfg.Level())
	client, err := funksiyachi.Dial(ctx, cfg.Server,
		funksiyachi.WithLog(handler),
		funksiyachi.WithHandshakeTimeout(cfg.HandshakeTimeout),
		funksiyachi.WithMetricSink(&metrics.BlackholeSink{}),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	slog.New(handler).Debug("connected", "server", cfg.Server, "command", command)

	switch command {
	case "whoami":
		reply, err := gateway.WhoAmI(ctx, client, cfg.GitHubToken)
		if err != nil {
			return err
		}
		if !reply.Verified {
			if reply.Username != "" {
				return fmt.Errorf("token belongs to %s, not the claimed user", reply.Username)
			}
			return errors.New("GitHub rejected the token")
		}
		fmt.Println(reply.Username)

	case "projects":
		reply, err := gateway.ListProjects(ctx, client, cfg.GitHubToken)
		if err != nil {
			return err
		}
		fmt.Printf("%s owns %d/%d projects\n", reply.Username, len(reply.Projects), reply.Limit)
		for _, p := range reply.Projects {
			fmt.Println("  " + p)
		}

	case "check":
		if len(args) != 1 {
			return errors.New("usage: funksiyachi check PROJECT")
		}
		reply, err := gateway.CheckUpload(ctx, client, cfg.GitHubToken, args[0])
		if err != nil {
			return err
		}
		if !reply.Allowed {
			return errors.New(reply.Reason)
		}
		fmt.Printf("%s may deploy %s\n", reply.Username, args[0])

	default:
		return fmt.Errorf("unknown command %q, expected whoami, projects or check", command)
	}
	return nil
}
