package digest

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/multisig-wizard/coordinator/core"
	"github.com/multisig-wizard/coordinator/repo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	changed  []*core.Proposal
	reported []core.ReportRef
}

func (f *fakeSource) ListChanged(ctx context.Context) ([]*core.Proposal, error) {
	return f.changed, nil
}

func (f *fakeSource) MarkReported(ctx context.Context, refs []core.ReportRef) error {
	f.reported = append(f.reported, refs...)
	return nil
}

type capturePublisher struct {
	posts []*Post
	err   error
}

func (c *capturePublisher) Publish(ctx context.Context, post *Post) error {
	if c.err != nil {
		return c.err
	}
	c.posts = append(c.posts, post)
	return nil
}

func testProposal(id string) *core.Proposal {
	return &core.Proposal{
		ID:              id,
		Proposer:        "alice",
		Source:          "multi",
		Payload:         core.Payload{Source: "multi", Destination: "carol", Amount: "1.000 STEEM"},
		ExpiresAt:       time.Date(2026, 10, 16, 9, 5, 7, 0, time.UTC),
		WeightThreshold: 10,
		SignedBy:        []core.Signature{{Account: "alice", Weight: 6}},
		SignedWeight:    6,
		Changed:         true,
		Version:         3,
	}
}

func testLedger() *core.MockLedger {
	l := core.NewMockLedger()
	l.SetAuthority("multi", 10, core.Signer{Account: "alice", Weight: 6}, core.Signer{Account: "bob", Weight: 5}, core.Signer{Account: "dave", Weight: 1})
	return l
}

func enabled() repo.Digest {
	cfg := repo.DefaultConfig("").Digest
	cfg.Enable = true
	return cfg
}

func TestRender(t *testing.T) {
	a, err := testLedger().Resolve(context.Background(), "multi")
	require.Nil(t, err)

	out := Render(testProposal("p1"), a)
	assert.Contains(t, out, "### Open Transfer: 1.000 STEEM from @multi to @carol\n")
	assert.Contains(t, out, "Has **6** of **10** signing weight required to complete.")
	assert.Contains(t, out, "Expires at 2026-10-16 09:05:07 UTC if uncompleted.")
	assert.Contains(t, out, "**Signed by:** @alice (weight 6)\n")
	assert.Contains(t, out, "**Unsigned by:** @bob (weight 5), @dave (weight 1)\n")
}

func TestRunPublishesThenMarks(t *testing.T) {
	src := &fakeSource{changed: []*core.Proposal{testProposal("p1"), testProposal("p2")}}
	pub := &capturePublisher{}
	r := NewReporter(enabled(), src, testLedger(), pub, logrus.New())

	require.Nil(t, r.Run(context.Background()))
	require.Len(t, pub.posts, 1)
	assert.Equal(t, titleDigest, pub.posts[0].Title)
	assert.Equal(t, "multisignotifier", pub.posts[0].Author)
	assert.Equal(t, []string{"multisig"}, pub.posts[0].Tags)
	assert.Equal(t, []core.ReportRef{{ID: "p1", Version: 3}, {ID: "p2", Version: 3}}, src.reported)
}

func TestRunKeepsFlagsWhenPublishFails(t *testing.T) {
	src := &fakeSource{changed: []*core.Proposal{testProposal("p1")}}
	pub := &capturePublisher{err: errors.New("node down")}
	r := NewReporter(enabled(), src, testLedger(), pub, logrus.New())

	assert.NotNil(t, r.Run(context.Background()))
	assert.Empty(t, src.reported)
}

func TestRunSkipsUnresolvableProposal(t *testing.T) {
	ghost := testProposal("p2")
	ghost.Source = "ghost"
	src := &fakeSource{changed: []*core.Proposal{testProposal("p1"), ghost}}
	pub := &capturePublisher{}
	r := NewReporter(enabled(), src, testLedger(), pub, logrus.New())

	require.Nil(t, r.Run(context.Background()))
	require.Len(t, pub.posts, 1)
	assert.Equal(t, titleSingle, pub.posts[0].Title)
	assert.NotContains(t, pub.posts[0].Body, "@ghost")
	assert.Equal(t, []core.ReportRef{{ID: "p1", Version: 3}}, src.reported)

	// nothing resolvable: no post, flags untouched, the failure surfaces
	src = &fakeSource{changed: []*core.Proposal{ghost}}
	pub = &capturePublisher{}
	r = NewReporter(enabled(), src, testLedger(), pub, logrus.New())
	assert.NotNil(t, r.Run(context.Background()))
	assert.Empty(t, pub.posts)
	assert.Empty(t, src.reported)
}

func TestRunDisabledOrEmpty(t *testing.T) {
	src := &fakeSource{changed: []*core.Proposal{testProposal("p1")}}
	pub := &capturePublisher{}
	r := NewReporter(repo.DefaultConfig("").Digest, src, testLedger(), pub, logrus.New())
	require.Nil(t, r.Run(context.Background()))
	assert.Empty(t, pub.posts)

	r = NewReporter(enabled(), &fakeSource{}, testLedger(), pub, logrus.New())
	require.Nil(t, r.Run(context.Background()))
	assert.Empty(t, pub.posts)
}

func TestTitle(t *testing.T) {
	assert.Equal(t, titleSingle, Title(1))
	assert.Equal(t, titleDigest, Title(3))
}

func TestPermlink(t *testing.T) {
	a, b := Permlink(), Permlink()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-z]+$`), a)
}

func TestFilePublisher(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "digests")
	p, err := NewFilePublisher(dir)
	require.Nil(t, err)

	post := &Post{Author: "multisignotifier", Title: titleSingle, Body: "body\n", Permlink: "abc123", Tags: []string{"multisig"}}
	require.Nil(t, p.Publish(context.Background(), post))

	data, err := os.ReadFile(filepath.Join(dir, "abc123.md"))
	require.Nil(t, err)
	assert.Contains(t, string(data), "# Multisig Wizard Update\n")
	assert.Contains(t, string(data), "body\n")
}
