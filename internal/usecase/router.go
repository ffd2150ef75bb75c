package usecase

import (
	"context"
	"strconv"
	"strings"

	"github.com/semmidev/custos/internal/domain"
)

const defaultHistoryLimit = 10

type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

type Result struct {
	Message string         `json:"message,omitempty"`
	Status  *domain.Status `json:"status,omitempty"`
	Runs    []domain.Run   `json:"runs,omitempty"`
}

// Router turns textual admin commands into calls on the backup job, the
// schema and the engine.
type Router struct {
	job      *BackupJob
	schema   *Schema
	engine   Checkpointer
	history  domain.RunStore
	defaults domain.Options
	logger   Logger
}

func NewRouter(
	job *BackupJob,
	schema *Schema,
	engine Checkpointer,
	history domain.RunStore,
	defaults domain.Options,
	logger Logger,
) *Router {
	return &Router{
		job:      job,
		schema:   schema,
		engine:   engine,
		history:  history,
		defaults: defaults,
		logger:   logger,
	}
}

func (r *Router) Execute(ctx context.Context, command string) (*Result, error) {
	tokens, err := Tokenize(command)
	if err != nil {
		return nil, domain.NewError(domain.KindInvalid, "parse command", err)
	}
	if len(tokens) == 0 {
		return nil, domain.Errorf(domain.KindInvalid, "parse command", "empty command")
	}

	r.logger.Debugf("Admin command: %s", command)

	verb, args := strings.ToLower(tokens[0]), tokens[1:]
	switch verb {
	case "backup":
		return r.backup(ctx, args)
	case "checkpoint":
		if len(args) != 0 {
			return nil, usage("checkpoint")
		}
		if err := r.engine.Checkpoint(ctx); err != nil {
			return nil, domain.NewError(domain.KindEngine, "checkpoint", err)
		}
		return &Result{Message: "checkpoint complete"}, nil
	case "history":
		return r.runs(ctx, args)
	case "create", "drop", "rename":
		return r.ddl(ctx, verb, args)
	default:
		return nil, domain.Errorf(domain.KindInvalid, "parse command", "unknown command %q", tokens[0])
	}
}

func (r *Router) backup(ctx context.Context, args []string) (*Result, error) {
	cmd, err := ParseBackupCommand(args, r.defaults)
	if err != nil {
		return nil, err
	}

	switch cmd.Action {
	case ActionAbort:
		if _, err := r.job.Abort(ctx); err != nil {
			return nil, err
		}
	case ActionWait:
		if _, err := r.job.Wait(ctx); err != nil {
			return nil, err
		}
	case ActionStart:
		if err := r.job.Start(ctx, cmd.Options); err != nil {
			return nil, err
		}
	}

	status := r.job.Status()
	return &Result{Status: &status}, nil
}

func (r *Router) runs(ctx context.Context, args []string) (*Result, error) {
	if r.history == nil {
		return nil, domain.Errorf(domain.KindConfiguration, "history", "run history is not enabled")
	}

	limit := defaultHistoryLimit
	switch len(args) {
	case 0:
	case 1:
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return nil, usage("history [N]")
		}
		limit = n
	default:
		return nil, usage("history [N]")
	}

	runs, err := r.history.ListRuns(ctx, limit)
	if err != nil {
		return nil, domain.NewError(domain.KindIO, "history", err)
	}
	return &Result{Runs: runs}, nil
}

func (r *Router) ddl(ctx context.Context, verb string, args []string) (*Result, error) {
	if len(args) == 0 {
		return nil, usage(verb + " table|trigger ...")
	}

	object, args := strings.ToLower(args[0]), args[1:]
	switch verb + " " + object {
	case "create table":
		if len(args) < 1 || len(args) > 2 {
			return nil, usage("create table <db>.<table> [engine=native|myisam]")
		}
		db, table, err := splitName(args[0])
		if err != nil {
			return nil, err
		}
		engine := ""
		if len(args) == 2 {
			k, v, ok := strings.Cut(args[1], "=")
			if !ok || !strings.EqualFold(k, "engine") {
				return nil, usage("create table <db>.<table> [engine=native|myisam]")
			}
			engine = v
		}
		if err := r.schema.CreateTable(ctx, db, table, engine); err != nil {
			return nil, err
		}
	case "drop table":
		if len(args) != 1 {
			return nil, usage("drop table <db>.<table>")
		}
		db, table, err := splitName(args[0])
		if err != nil {
			return nil, err
		}
		if err := r.schema.DropTable(ctx, db, table); err != nil {
			return nil, err
		}
	case "rename table":
		if len(args) != 2 {
			return nil, usage("rename table <db>.<table> <db>.<table>")
		}
		db, from, err := splitName(args[0])
		if err != nil {
			return nil, err
		}
		db2, to, err := splitName(args[1])
		if err != nil {
			return nil, err
		}
		if db2 != db {
			return nil, domain.Errorf(domain.KindInvalid, "rename table", "cannot move %s to database %s", from, db2)
		}
		if err := r.schema.RenameTable(ctx, db, from, to); err != nil {
			return nil, err
		}
	case "create trigger":
		if len(args) != 3 || !strings.EqualFold(args[1], "on") {
			return nil, usage("create trigger <db>.<trigger> on <table>")
		}
		db, trigger, err := splitName(args[0])
		if err != nil {
			return nil, err
		}
		if err := r.schema.CreateTrigger(ctx, db, trigger, args[2]); err != nil {
			return nil, err
		}
	case "drop trigger":
		if len(args) != 1 {
			return nil, usage("drop trigger <db>.<trigger>")
		}
		db, trigger, err := splitName(args[0])
		if err != nil {
			return nil, err
		}
		if err := r.schema.DropTrigger(ctx, db, trigger); err != nil {
			return nil, err
		}
	default:
		return nil, domain.Errorf(domain.KindInvalid, "parse command", "unknown command %q", verb+" "+object)
	}

	return &Result{Message: "OK"}, nil
}

func splitName(s string) (string, string, error) {
	db, name, ok := strings.Cut(s, ".")
	if !ok || db == "" || name == "" {
		return "", "", domain.Errorf(domain.KindInvalid, "parse command", "expected <db>.<name>, got %q", s)
	}
	return db, name, nil
}

func usage(form string) error {
	return domain.Errorf(domain.KindInvalid, "parse command", "usage: %s", form)
}
