package frame

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSelector   = "img"
	downloadLimit     = 4
	maxImageBytes     = 10 << 20
	defaultWebTimeout = 15 * time.Second
)

// WebSource scrapes the images of an HTML page and plays them like scenes.
type WebSource struct {
	pageURL  string
	selector string
	client   *http.Client
	logger   *log.Logger
	reel     reel
}

func NewWebSource(pageURL, selector string, client *http.Client, logger *log.Logger) *WebSource {
	if strings.TrimSpace(selector) == "" {
		selector = defaultSelector
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebTimeout}
	}
	return &WebSource{
		pageURL:  pageURL,
		selector: selector,
		client:   client,
		logger:   logger,
		reel:     reel{name: KindWeb},
	}
}

func (s *WebSource) Name() string { return KindWeb }

func (s *WebSource) Acquire(ctx context.Context) error {
	urls, err := s.imageURLs(ctx)
	if err != nil {
		return &AcquisitionError{Source: KindWeb, Err: err}
	}
	if len(urls) == 0 {
		return &AcquisitionError{Source: KindWeb, Err: fmt.Errorf("no images match %q", s.selector)}
	}

	images := make([]image.Image, len(urls))
	var g errgroup.Group
	g.SetLimit(downloadLimit)
	for i, u := range urls {
		g.Go(func() error {
			img, err := s.download(ctx, u)
			if err != nil {
				logf(s.logger, "[Frame] skipping %s: %v", u, err)
				return nil
			}
			images[i] = img
			return nil
		})
	}
	_ = g.Wait()

	loaded := images[:0]
	for _, img := range images {
		if img != nil {
			loaded = append(loaded, img)
		}
	}
	if len(loaded) == 0 {
		if err := ctx.Err(); err != nil {
			return &AcquisitionError{Source: KindWeb, Err: err}
		}
		return &AcquisitionError{Source: KindWeb, Err: errors.New("no image could be decoded")}
	}
	s.reel.load(loaded)
	logf(s.logger, "[Frame] %d/%d web image(s) loaded from %s", len(loaded), len(urls), s.pageURL)
	return nil
}

func (s *WebSource) Capture() (*Frame, error) { return s.reel.capture() }

func (s *WebSource) Close() error {
	s.reel.release()
	return nil
}

// imageURLs fetches the page and returns the absolute, de-duplicated image
// URLs of the elements matching the selector.
func (s *WebSource) imageURLs(ctx context.Context) ([]string, error) {
	body, err := s.get(ctx, s.pageURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]struct{})
	var out []string
	doc.Find(s.selector).Each(func(_ int, sel *goquery.Selection) {
		for _, n := range sel.Nodes {
			href := imageRef(n.DataAtom, sel)
			if href == "" {
				continue
			}
			abs := absolute(s.pageURL, href)
			if _, dup := seen[abs]; dup {
				continue
			}
			seen[abs] = struct{}{}
			out = append(out, abs)
		}
	})
	return out, nil
}

// imageRef extracts the image reference of an <img> or <source> element.
func imageRef(a atom.Atom, sel *goquery.Selection) string {
	switch a {
	case atom.Img:
		if src, ok := sel.Attr("src"); ok && !strings.HasPrefix(src, "data:") {
			return strings.TrimSpace(src)
		}
		if srcset, ok := sel.Attr("srcset"); ok {
			return firstSrcset(srcset)
		}
	case atom.Source:
		if srcset, ok := sel.Attr("srcset"); ok {
			return firstSrcset(srcset)
		}
	}
	return ""
}

func firstSrcset(srcset string) string {
	first, _, _ := strings.Cut(srcset, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (s *WebSource) download(ctx context.Context, u string) (image.Image, error) {
	body, err := s.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	img, _, err := image.Decode(io.LimitReader(body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}

func (s *WebSource) get(ctx context.Context, u string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", u, resp.Status)
	}
	return resp.Body, nil
}

func absolute(base, href string) string {
	u, err := url.Parse(href)
	if err != nil || href == "" {
		return href
	}
	if u.IsAbs() {
		return u.String()
	}
	if base == "" {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	return bu.ResolveReference(u).String()
}
