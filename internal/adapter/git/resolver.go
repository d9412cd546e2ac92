package git

import (
	"context"
	"fmt"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/paastel-io/paastel/internal/domain"
	"github.com/paastel-io/paastel/internal/port"
)

var _ port.SourceResolver = (*Resolver)(nil)

// Resolver 通过 ls-remote 把 branch / tag 解析为 commit，不克隆仓库。
type Resolver struct {
	auth    transport.AuthMethod
	timeout time.Duration
	list    func(ctx context.Context, repoURL string) ([]*plumbing.Reference, error)
}

// NewResolver token 非空时以 HTTP basic auth 访问私有仓库。
func NewResolver(token string) *Resolver {
	r := &Resolver{timeout: 20 * time.Second}
	if token != "" {
		r.auth = &http.BasicAuth{Username: "paastel", Password: token}
	}
	r.list = r.listRemote
	return r
}

func (r *Resolver) listRemote(ctx context.Context, repoURL string) ([]*plumbing.Reference, error) {
	remote := gogit.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})
	return remote.ListContext(ctx, &gogit.ListOptions{Auth: r.auth})
}

func (r *Resolver) Resolve(ctx context.Context, repoURL string, ref domain.SourceRef) (domain.SourceRef, error) {
	if ref.CommitSHA != "" {
		return ref, nil
	}
	var names []plumbing.ReferenceName
	switch {
	case ref.Tag != "":
		// 附注 tag 需要取剥离后的 commit
		names = []plumbing.ReferenceName{
			plumbing.ReferenceName(plumbing.NewTagReferenceName(ref.Tag).String() + "^{}"),
			plumbing.NewTagReferenceName(ref.Tag),
		}
	case ref.Branch != "":
		names = []plumbing.ReferenceName{plumbing.NewBranchReferenceName(ref.Branch)}
	default:
		return ref, fmt.Errorf("%w: empty source ref", domain.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	refs, err := r.list(ctx, repoURL)
	if err != nil {
		return ref, fmt.Errorf("list remote %s: %w", repoURL, err)
	}

	byName := make(map[plumbing.ReferenceName]plumbing.Hash, len(refs))
	for _, rf := range refs {
		if rf.Type() == plumbing.HashReference {
			byName[rf.Name()] = rf.Hash()
		}
	}
	for _, name := range names {
		if h, ok := byName[name]; ok {
			ref.CommitSHA = h.String()
			return ref, nil
		}
	}
	return ref, fmt.Errorf("%w: ref %q not found in %s", domain.ErrInvalidInput, ref.Ref(), repoURL)
}
