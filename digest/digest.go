package digest

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/multisig-wizard/coordinator/core"
	"github.com/multisig-wizard/coordinator/repo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	titleSingle = "Multisig Wizard Update"
	titleDigest = "Multisig Wizard Update Digest"

	expiryLayout = "2006-01-02 15:04:05"
)

// Source is what the reporter needs from the engine.
type Source interface {
	ListChanged(ctx context.Context) ([]*core.Proposal, error)
	MarkReported(ctx context.Context, refs []core.ReportRef) error
}

type Post struct {
	Author   string
	Title    string
	Body     string
	Permlink string
	Tags     []string
}

type Publisher interface {
	Publish(ctx context.Context, post *Post) error
}

type Reporter struct {
	source    Source
	resolver  core.AuthorityResolver
	publisher Publisher
	config    repo.Digest
	logger    logrus.FieldLogger
}

func NewReporter(config repo.Digest, source Source, resolver core.AuthorityResolver, publisher Publisher, logger logrus.FieldLogger) *Reporter {
	return &Reporter{
		source:    source,
		resolver:  resolver,
		publisher: publisher,
		config:    config,
		logger:    logger.WithField("module", "digest"),
	}
}

// Run publishes one digest of the proposals changed since the last one.
// Flags are cleared only once the digest is out.
func (r *Reporter) Run(ctx context.Context) error {
	if !r.config.Enable {
		r.logger.Debug("skipping digest, disabled in config")
		return nil
	}

	ps, err := r.source.ListChanged(ctx)
	if err != nil {
		return errors.Wrap(err, "list changed proposals")
	}
	if len(ps) == 0 {
		r.logger.Debug("no changed proposals, nothing to report")
		return nil
	}
	r.logger.Infof("found %d changed proposals, generating digest", len(ps))

	// A proposal whose authority cannot be resolved keeps its flag and is
	// retried with the next digest.
	var body strings.Builder
	var lastErr error
	refs := make([]core.ReportRef, 0, len(ps))
	for _, p := range ps {
		authority, err := r.resolver.Resolve(ctx, p.Source)
		if err != nil {
			lastErr = errors.Wrapf(err, "resolve authority of %s", p.Source)
			r.logger.WithError(err).WithField("id", p.ID).Warn("leaving proposal out of digest")
			continue
		}
		body.WriteString(Render(p, authority))
		refs = append(refs, core.ReportRef{ID: p.ID, Version: p.Version})
	}
	if len(refs) == 0 {
		return lastErr
	}

	post := &Post{
		Author:   r.config.Account,
		Title:    Title(len(refs)),
		Body:     body.String(),
		Permlink: Permlink(),
		Tags:     r.config.Tags,
	}
	if err := r.publisher.Publish(ctx, post); err != nil {
		return errors.Wrap(err, "publish digest")
	}

	return r.source.MarkReported(ctx, refs)
}

func Title(n int) string {
	if n == 1 {
		return titleSingle
	}
	return titleDigest
}

// Render formats one proposal, splitting the current authority into signed
// and unsigned accounts.
func Render(p *core.Proposal, authority *core.Authority) string {
	var signed, unsigned []string
	for _, s := range authority.Signers {
		entry := fmt.Sprintf("@%s (weight %d)", s.Account, s.Weight)
		if p.HasSigned(s.Account) {
			signed = append(signed, entry)
		} else {
			unsigned = append(unsigned, entry)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### Open Transfer: %s from @%s to @%s\n", p.Payload.Amount, p.Source, p.Payload.Destination)
	fmt.Fprintf(&b, "Proposed by @%s.\nHas **%d** of **%d** signing weight required to complete.\n", p.Proposer, p.SignedWeight, p.WeightThreshold)
	fmt.Fprintf(&b, "Expires at %s UTC if uncompleted.\n\n", p.ExpiresAt.UTC().Format(expiryLayout))
	fmt.Fprintf(&b, "**Signed by:** %s\n\n", strings.Join(signed, ", "))
	fmt.Fprintf(&b, "**Unsigned by:** %s\n\n", strings.Join(unsigned, ", "))
	return b.String()
}

// Permlink returns a random lowercase base36 slug.
func Permlink() string {
	id := uuid.New()
	return new(big.Int).SetBytes(id[:]).Text(36)
}

type LogPublisher struct {
	Logger logrus.FieldLogger
}

func (p *LogPublisher) Publish(ctx context.Context, post *Post) error {
	p.Logger.WithFields(logrus.Fields{
		"author":   post.Author,
		"permlink": post.Permlink,
		"tags":     post.Tags,
	}).Infof("%s\n%s", post.Title, post.Body)
	return nil
}

// FilePublisher writes every digest to Dir as <permlink>.md.
type FilePublisher struct {
	Dir string
	now func() time.Time
}

func NewFilePublisher(dir string) (*FilePublisher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create digest dir %s", dir)
	}
	return &FilePublisher{Dir: dir, now: time.Now}, nil
}

func (p *FilePublisher) Publish(ctx context.Context, post *Post) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", post.Title)
	fmt.Fprintf(&b, "<!-- author: %s, tags: %s, generated: %s -->\n\n", post.Author, strings.Join(post.Tags, " "), p.now().UTC().Format(time.RFC3339))
	b.WriteString(post.Body)

	path := filepath.Join(p.Dir, post.Permlink+".md")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return errors.Wrapf(err, "write digest %s", path)
	}
	return nil
}
