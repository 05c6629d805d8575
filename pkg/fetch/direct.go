package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/discover"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// Direct performs the plain fetch: one GET per header variant with the fetcher's
// retry policy, accepting only image responses.
type Direct struct {
	fetcher  *Fetcher
	cfg      config.FetchConfig
	identity config.StealthConfig
	log      *logrus.Entry
}

// NewDirect creates a Direct strategy. identity supplies the user-agent rotation
// and Accept-Language.
func NewDirect(fetcher *Fetcher, cfg config.FetchConfig, identity config.StealthConfig, log *logrus.Entry) *Direct {
	return &Direct{
		fetcher:  fetcher,
		cfg:      cfg,
		identity: identity,
		log:      log.WithField("strategy", models.StrategyDirect),
	}
}

// headerVariants returns source referer, origin referer, then no referer,
// skipping any variant identical to an earlier one.
func (d *Direct) headerVariants(target models.FetchTarget) []http.Header {
	ua := PickUserAgent(d.identity.UserAgents)
	profiles := make([]HeaderProfile, 0, 3)
	if target.SourceURL != "" {
		profiles = append(profiles, HeaderProfile{Referer: target.SourceURL})
	}
	profiles = append(profiles, HeaderProfile{}, HeaderProfile{OmitReferer: true})

	var out []http.Header
	seen := make(map[string]bool)
	for _, p := range profiles {
		p.UserAgent = ua
		p.AcceptLanguage = d.identity.AcceptLanguage
		h := BrowserHeaders(target.ImageURL, p)
		key := h.Get("Referer")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
	}
	return out
}

// Fetch writes the image at target.ImageURL to dst. Nothing is written unless a
// complete image-typed body was received.
func (d *Direct) Fetch(ctx context.Context, target models.FetchTarget, dst io.Writer) (models.FetchResult, error) {
	var lastErr error
	variants := d.headerVariants(target)
	for i, h := range variants {
		result, data, err := d.fetchOnce(ctx, target.ImageURL, h)
		if err == nil {
			n, werr := dst.Write(data)
			if werr != nil {
				return models.FetchResult{}, fmt.Errorf("%w: writing staged image: %w", utils.ErrFilesystem, werr)
			}
			result.Size = int64(n)
			return result, nil
		}
		lastErr = err
		d.log.WithFields(logrus.Fields{"variant": i + 1, "referer": h.Get("Referer"), "error": err}).Debug("Direct variant failed")
		if ctx.Err() != nil {
			break
		}
	}
	return models.FetchResult{}, fmt.Errorf("direct request failed after %d header variants: %w", len(variants), lastErr)
}

func (d *Direct) fetchOnce(ctx context.Context, imageURL string, h http.Header) (models.FetchResult, []byte, error) {
	timeout := d.cfg.TransferTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, imageURL, nil)
	if err != nil {
		return models.FetchResult{}, nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	applyHeaders(req, h)
	req.Header.Set("Accept-Encoding", AcceptEncoding)

	resp, err := d.fetcher.FetchWithRetry(reqCtx, req)
	if err != nil {
		drainAndClose(resp)
		return models.FetchResult{}, nil, err
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	ct := resp.Header.Get("Content-Type")
	if !IsImageContentType(ct) && !discover.IsImageURL(finalURL) {
		return models.FetchResult{}, nil, fmt.Errorf("%w: content-type %q from %s", utils.ErrNotImage, ct, finalURL)
	}

	body, err := DecodeBody(resp)
	if err != nil {
		return models.FetchResult{}, nil, err
	}
	defer body.Close()

	var buf bytes.Buffer
	if _, err := copyLimited(&buf, body, d.cfg.MaxImageSizeBytes); err != nil {
		return models.FetchResult{}, nil, err
	}
	return models.FetchResult{
		Strategy:    models.StrategyDirect,
		ContentType: ct,
		FinalURL:    finalURL,
	}, buf.Bytes(), nil
}

// copyLimited copies src to dst, failing once more than max bytes arrive. max <= 0 is unlimited.
func copyLimited(dst io.Writer, src io.Reader, max int64) (int64, error) {
	if max <= 0 {
		n, err := io.Copy(dst, src)
		if err != nil {
			return n, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
		}
		return n, nil
	}
	n, err := io.Copy(dst, io.LimitReader(src, max+1))
	if err != nil {
		return n, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if n > max {
		return n, fmt.Errorf("%w: image exceeds %d bytes", utils.ErrResponseBodyRead, max)
	}
	return n, nil
}
