// Package versions reads the accepted cluster versions published by the
// OpenShift release controller and buckets them by channel and minor
// release.
package versions

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
)

// DefaultBaseURL is the public release controller.
const DefaultBaseURL = "https://openshift-release.apps.ci.l2s4.p1.openshiftapps.com"

const acceptedPhase = "Accepted"

// Versions maps channel -> major.minor -> accepted version strings, e.g.
// Versions["stable"]["4.15"] = ["4.15.1", "4.15.2"].
type Versions map[string]map[string][]string

// add appends version under its channel and base version buckets.
func (v Versions) add(channel, base, version string) {
	if v[channel] == nil {
		v[channel] = map[string][]string{}
	}
	v[channel][base] = append(v[channel][base], version)
}

var (
	cacheMu sync.Mutex
	cache   = map[string]Versions{}
)

// Accepted fetches and parses the release page, returning every accepted
// version bucketed by channel. Results are memoized per base URL for the
// lifetime of the process.
func Accepted(ctx context.Context, options ...Option) (Versions, error) {
	cfg := defaultConfig()
	cfg.apply(options)

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cached, ok := cache[cfg.baseURL]; ok {
		return cached, nil
	}

	cfg.logger.Infof("Parsing %s", cfg.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.baseURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building release page request for %s", cfg.baseURL)
	}
	resp, err := cfg.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching release page %s", cfg.baseURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetching release page %s: unexpected status %s", cfg.baseURL, resp.Status)
	}

	document, err := html.Parse(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing release page %s", cfg.baseURL)
	}

	accepted := Versions{}
	for _, row := range tableRows(document) {
		version, phase := rowVersionAndPhase(row)
		if phase != acceptedPhase {
			continue
		}
		if err := bucket(accepted, version); err != nil {
			cfg.logger.WithError(err).Debugf("Skipping unparsable version row %q", version)
		}
	}

	cache[cfg.baseURL] = accepted
	return accepted, nil
}

// bucket files one accepted version under its channel: the prerelease text
// picks nightly/ci builds and ec/fc/rc candidates; no prerelease means
// stable.
func bucket(accepted Versions, version string) error {
	parsed, err := semver.Parse(version)
	if err != nil {
		return err
	}
	base := fmt.Sprintf("%d.%d", parsed.Major, parsed.Minor)

	pre := make([]string, 0, len(parsed.Pre))
	for _, component := range parsed.Pre {
		pre = append(pre, component.String())
	}
	prerelease := strings.Join(pre, ".")

	switch {
	case prerelease == "":
		accepted.add("stable", base, version)
	case strings.Contains(prerelease, "nightly"):
		accepted.add("nightly", base, version)
	case strings.Contains(prerelease, "ci"):
		accepted.add("ci", base, version)
	default:
		// Candidate builds carry prereleases like rc.1, ec.2 or fc.0.
		accepted.add(strings.SplitN(prerelease, ".", 2)[0], base, version)
	}
	return nil
}

// tableRows returns every <tr> element in the document.
func tableRows(node *html.Node) []*html.Node {
	var rows []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			rows = append(rows, n)
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return rows
}

// rowVersionAndPhase extracts the first two text fields of a table row: the
// version (stripped of its pinned-release marker) and the phase.
func rowVersionAndPhase(row *html.Node) (version, phase string) {
	var fields []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				fields = append(fields, text)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(row)

	if len(fields) > 0 {
		version = strings.TrimSpace(strings.Trim(fields[0], "*"))
	}
	if len(fields) > 1 {
		phase = fields[1]
	}
	return version, phase
}
