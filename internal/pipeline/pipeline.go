// Package pipeline executes one commit against a user's repository.
//
// A run is a chain of host API calls: resolve the branch head, read the
// target file, rewrite its freshness marker, then build blob, tree, commit
// and finally advance the ref. Every run starts with a random cancellable
// pre-delay so commits never land at mechanically regular times.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"commitpulse/internal/github"
	"commitpulse/internal/store"
	logx "commitpulse/pkg/logx"
)

const (
	defaultBranch = "main"
	defaultFile   = "README.md"

	timestampLayout = "2006-01-02 15:04:05"
)

var emojis = []string{"📝", "🔄", "🚀", "✨", "💡", "🎯"}

var markerRe = regexp.MustCompile(`<!-- Last updated:.*?-->[ ]*`)

// Host is the subset of the repository host API a run needs.
type Host interface {
	GetRef(ctx context.Context, token, owner, repo, branch string) (string, error)
	GetCommit(ctx context.Context, token, owner, repo, sha string) (string, error)
	GetContents(ctx context.Context, token, owner, repo, path string) (string, error)
	CreateBlob(ctx context.Context, token, owner, repo, content string) (string, error)
	CreateTree(ctx context.Context, token, owner, repo, baseTree, filePath, blobSHA string) (string, error)
	CreateCommit(ctx context.Context, token, owner, repo, message, treeSHA, parentSHA string) (string, error)
	UpdateRef(ctx context.Context, token, owner, repo, branch, sha string) error
}

// Error wraps a failure with the pipeline step it occurred in.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("pipeline: %s: %v", e.Step, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Outcome is a completed run's result.
type Outcome struct {
	CommitSHA string
	Message   string
	Meta      store.RecordMeta
}

type Config struct {
	// MaxPredelay bounds the random wait before a run touches the host.
	// Zero disables the pre-delay entirely.
	MaxPredelay time.Duration
}

// Runner executes commit runs. Safe for concurrent use.
type Runner struct {
	host Host
	log  logx.Logger
	cfg  Config

	rng *lockedRand
}

func NewRunner(host Host, cfg Config, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		host: host,
		log:  log,
		cfg:  cfg,
		rng:  newLockedRand(),
	}
}

// Execute performs one full commit run for the user.
//
// priorTotal is the user's commit count before this run; the {count}
// placeholder renders priorTotal+1. The returned error is always a *Error
// naming the failed step, except for a cancelled pre-delay which returns
// the context error directly.
func (r *Runner) Execute(ctx context.Context, user *store.User, cfg *store.CommitConfig, priorTotal int64) (*Outcome, error) {
	owner, repo, err := splitRepository(cfg.Repository)
	if err != nil {
		return nil, &Error{Step: "resolve-repo", Err: err}
	}
	branch := cfg.Branch
	if branch == "" {
		branch = defaultBranch
	}

	predelay, err := r.predelay(ctx)
	if err != nil {
		return nil, err
	}

	log := r.log.With(logx.String("user", user.ID), logx.String("repo", cfg.Repository))
	log.Debug("starting commit run", logx.Duration("predelay", predelay))

	token := user.Token

	headSHA, err := r.host.GetRef(ctx, token, owner, repo, branch)
	if err != nil {
		return nil, &Error{Step: "read-ref", Err: err}
	}

	treeSHA, err := r.host.GetCommit(ctx, token, owner, repo, headSHA)
	if err != nil {
		return nil, &Error{Step: "read-commit", Err: err}
	}

	content, err := r.host.GetContents(ctx, token, owner, repo, defaultFile)
	if err != nil {
		if errors.Is(err, github.ErrNotFound) {
			content = fmt.Sprintf("# %s\n\nAuto-generated README for %s", repo, repo)
		} else {
			return nil, &Error{Step: "read-content", Err: err}
		}
	}

	now := time.Now()
	emoji := emojis[r.rng.Intn(len(emojis))]
	updated := r.stampContent(content, now)
	message := RenderMessage(cfg.MessageTemplate, now, priorTotal+1, emoji)

	blobSHA, err := r.host.CreateBlob(ctx, token, owner, repo, updated)
	if err != nil {
		return nil, &Error{Step: "create-blob", Err: err}
	}

	newTreeSHA, err := r.host.CreateTree(ctx, token, owner, repo, treeSHA, defaultFile, blobSHA)
	if err != nil {
		return nil, &Error{Step: "create-tree", Err: err}
	}

	commitSHA, err := r.host.CreateCommit(ctx, token, owner, repo, message, newTreeSHA, headSHA)
	if err != nil {
		return nil, &Error{Step: "create-commit", Err: err}
	}

	if err := r.host.UpdateRef(ctx, token, owner, repo, branch, commitSHA); err != nil {
		return nil, &Error{Step: "update-ref", Err: err}
	}

	log.Info("commit created", logx.String("sha", commitSHA))
	return &Outcome{
		CommitSHA: commitSHA,
		Message:   message,
		Meta: store.RecordMeta{
			Predelay:      predelay,
			Emoji:         emoji,
			ContentLength: len(updated),
		},
	}, nil
}

// predelay sleeps a uniform random duration in [0, MaxPredelay), honoring
// cancellation. It returns how long was actually requested.
func (r *Runner) predelay(ctx context.Context) (time.Duration, error) {
	max := r.cfg.MaxPredelay
	if max <= 0 {
		return 0, nil
	}
	d := time.Duration(r.rng.Int63n(int64(max)))
	if d == 0 {
		return 0, nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return d, ctx.Err()
	case <-t.C:
		return d, nil
	}
}

// stampContent replaces the freshness marker in content, or appends one if
// absent. Trailing spaces after the marker vary between 1 and 5 so repeated
// commits always change the blob.
func (r *Runner) stampContent(content string, now time.Time) string {
	marker := fmt.Sprintf("<!-- Last updated: %s -->", now.Format(timestampLayout))
	stamped := marker + strings.Repeat(" ", 1+r.rng.Intn(5))
	if markerRe.MatchString(content) {
		return markerRe.ReplaceAllString(content, stamped)
	}
	return content + "\n\n" + stamped
}

// RenderMessage expands {timestamp}, {count} and {emoji} placeholders.
// An empty template renders "Update {timestamp} {emoji}".
func RenderMessage(template string, now time.Time, count int64, emoji string) string {
	if strings.TrimSpace(template) == "" {
		template = "Update {timestamp} {emoji}"
	}
	msg := strings.ReplaceAll(template, "{timestamp}", now.Format(timestampLayout))
	msg = strings.ReplaceAll(msg, "{count}", fmt.Sprintf("%d", count))
	msg = strings.ReplaceAll(msg, "{emoji}", emoji)
	return msg
}

func splitRepository(full string) (owner, repo string, err error) {
	parts := strings.SplitN(strings.TrimSpace(full), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository %q is not owner/name", full)
	}
	return parts[0], parts[1], nil
}
