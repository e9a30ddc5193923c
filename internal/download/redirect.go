package download

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/hash/sha1"
)

// RedirectHTML is the body the archive usually stores for a redirect capture
// pointing at target.
func RedirectHTML(target string) []byte {
	return []byte(`<html><body>You are being <a href="` + target + `">redirected</a>.</body></html>`)
}

// fetchRedirect returns the stored body of a redirect capture. When the
// standard redirect page for the resolved target matches the claimed digest
// it is used as is and the body is never downloaded.
func (o *Orchestrator) fetchRedirect(ctx context.Context, e harvest.Entry) ([]byte, error) {
	rf, ok := o.fetcher.(harvest.RedirectFetcher)
	if !ok {
		return nil, &harvest.TransportError{StatusCode: *e.StatusCode, Message: "fetcher cannot resolve redirect captures"}
	}
	target, err := rf.ResolveRedirect(ctx, e.URL, e.CaptureTime)
	if err != nil {
		return nil, err
	}
	guess := RedirectHTML(target.URL)
	digest, err := sha1.New().Hash(guess)
	if err != nil {
		return nil, fmt.Errorf("hash redirect page: %w", err)
	}
	if digest == e.ClaimedDigest {
		o.logger.Debug("redirect page reconstructed",
			zap.Int64("entry_id", e.ID),
			zap.String("target", target.URL),
			zap.Time("target_capture", target.CaptureTime),
		)
		return guess, nil
	}
	o.logger.Debug("redirect page differs from the standard form; downloading",
		zap.Int64("entry_id", e.ID),
		zap.String("target", target.URL),
	)
	return rf.FetchRedirect(ctx, e.URL, e.CaptureTime)
}
