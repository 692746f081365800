// tokenctl is the operator tool for inspecting and adjusting generation
// token balances: fetch status, run a login sync, consume, set, top up,
// refill to cap, and read the audit trail.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairybook/tokenledger/internal/audit"
	auditsqlite "github.com/fairybook/tokenledger/internal/audit/sqlite"
	"github.com/fairybook/tokenledger/internal/config"
	"github.com/fairybook/tokenledger/internal/docstore"
	storememory "github.com/fairybook/tokenledger/internal/docstore/memory"
	storepostgres "github.com/fairybook/tokenledger/internal/docstore/postgres"
	storesqlite "github.com/fairybook/tokenledger/internal/docstore/sqlite"
	"github.com/fairybook/tokenledger/internal/tokens"
	"github.com/fairybook/tokenledger/internal/version"
)

const usage = `usage: tokenctl <command> <user-key> [flags]

commands:
  status                  show the current token record
  sync                    run a login sync (creates the record, applies refill)
  consume [-signature s]  debit one token
  set -tokens n [-cap n]  set the balance (and optionally the auto cap)
  topup -amount n [-exceed-cap]
                          add tokens, clamped to the cap unless -exceed-cap
  refill                  top the balance up to the auto cap
  audit [-limit n]        show recent mutations and the per-user summary
  version                 print build information (takes no user key)

global flags (before the command):
  -format json|yaml       output encoding (default json)
`

func main() {
	log.SetFlags(0)
	log.SetPrefix("tokenctl: ")

	format := flag.String("format", "json", "output encoding: json or yaml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) >= 1 && args[0] == "version" {
		fmt.Println(version.FullInfo())
		return
	}
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}
	command, userKey := args[0], args[1]
	rest := args[2:]

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := openDocStore(cfg)
	if err != nil {
		log.Fatalf("open token store: %v", err)
	}
	defer store.Close()

	zone, err := time.LoadLocation(cfg.RefillZone)
	if err != nil {
		log.Fatalf("load refill timezone %q: %v", cfg.RefillZone, err)
	}

	var auditStore audit.Store
	if cfg.AuditEnabled {
		auditStore, err = auditsqlite.New(cfg.AuditPath)
		if err != nil {
			log.Fatalf("open audit store: %v", err)
		}
		defer auditStore.Close()
	}

	opts := []tokens.Option{
		tokens.WithZone(zone),
		tokens.WithDefaults(cfg.InitialTokens, cfg.AutoCap),
	}
	if auditStore != nil {
		opts = append(opts, tokens.WithAudit(auditStore))
	}
	svc := tokens.NewService(store, opts...)

	ctx := context.Background()
	out, err := run(ctx, svc, auditStore, command, userKey, rest)
	if err != nil {
		var insufficient *tokens.InsufficientTokensError
		if errors.As(err, &insufficient) {
			log.Fatalf("no generation tokens available (tokens=%d)", insufficient.Available)
		}
		log.Fatalf("%s: %v", command, err)
	}
	if err := emit(out, *format); err != nil {
		log.Fatalf("encode output: %v", err)
	}
}

func run(ctx context.Context, svc *tokens.Service, auditStore audit.Store, command, userKey string, args []string) (any, error) {
	switch command {
	case "status":
		status, err := svc.Status(ctx, userKey)
		if err != nil {
			return nil, err
		}
		if status == nil {
			return nil, errors.New("no token record")
		}
		return status.Transport(), nil

	case "sync":
		res, err := svc.SyncOnLogin(ctx, userKey, time.Time{})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"status":      res.Status.Transport(),
			"initialized": res.Initialized,
			"refilled_by": res.RefilledBy,
		}, nil

	case "consume":
		fs := flag.NewFlagSet("consume", flag.ExitOnError)
		signature := fs.String("signature", "", "idempotency signature for this unit of work")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		res, err := svc.Consume(ctx, userKey, *signature, time.Time{})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"consumed":  res.Consumed,
			"status":    res.Status.Transport(),
			"signature": res.Signature,
		}, nil

	case "set":
		fs := flag.NewFlagSet("set", flag.ExitOnError)
		tokensFlag := fs.Int("tokens", -1, "balance to write (required, >= 0)")
		capFlag := fs.Int("cap", -1, "auto cap to write (optional)")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if *tokensFlag < 0 {
			return nil, errors.New("-tokens is required and must be >= 0")
		}
		var autoCap *int
		if *capFlag >= 0 {
			autoCap = capFlag
		}
		status, err := svc.SetTokens(ctx, userKey, *tokensFlag, autoCap, time.Time{})
		if err != nil {
			return nil, err
		}
		return status.Transport(), nil

	case "topup":
		fs := flag.NewFlagSet("topup", flag.ExitOnError)
		amount := fs.Int("amount", 0, "tokens to add (required, > 0)")
		exceed := fs.Bool("exceed-cap", false, "allow the result to exceed the auto cap")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		status, err := svc.TopUp(ctx, userKey, *amount, *exceed, time.Time{})
		if err != nil {
			return nil, err
		}
		return status.Transport(), nil

	case "refill":
		status, err := svc.RefillToCap(ctx, userKey, time.Time{})
		if err != nil {
			return nil, err
		}
		return status.Transport(), nil

	case "audit":
		fs := flag.NewFlagSet("audit", flag.ExitOnError)
		limit := fs.Int("limit", 20, "number of entries to show")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if auditStore == nil {
			return nil, errors.New("audit trail disabled by configuration")
		}
		entries, err := auditStore.ListRecent(ctx, userKey, *limit)
		if err != nil {
			return nil, err
		}
		summary, err := auditStore.Summary(ctx, userKey)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		return map[string]any{"entries": entries, "summary": summary}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

func emit(payload any, format string) error {
	switch format {
	case "yaml":
		encoded, err := yaml.Marshal(payload)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(encoded)
		return err
	case "json", "":
		encoded, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Println(string(encoded))
		return err
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func openDocStore(cfg config.Config) (docstore.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return storememory.New(), nil
	case "postgres":
		return storepostgres.New(cfg.PostgresDSN, cfg.Collection, 5, 2, 30)
	default:
		return storesqlite.New(cfg.StorePath, cfg.Collection)
	}
}
