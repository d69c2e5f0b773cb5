package manifest

import (
	"net/url"
	"strings"

	"stream-corruptor/internal/platform/apperror"
)

// pctSentinel stands in for % while a template is parsed as a URL, so width
// formats like $Number%05d$ are not taken for percent-escapes.
const pctSentinel = "__pct__"

func isAbsolute(ref string) bool {
	return strings.HasPrefix(ref, "http")
}

// resolveBase returns the absolute base URL segment addresses resolve
// against: base itself when absolute, base resolved against source when
// relative, and source when there is no base.
func resolveBase(base, source string) (*url.URL, error) {
	src, err := url.Parse(source)
	if err != nil || !src.IsAbs() {
		if base != "" && isAbsolute(base) {
			return parseTemplate(base)
		}
		return nil, apperror.Template("cannot resolve segment addresses without an absolute source url (got %q)", source)
	}
	if base == "" {
		return src, nil
	}
	ref, err := parseTemplate(base)
	if err != nil {
		return nil, err
	}
	return src.ResolveReference(ref), nil
}

// childBaseURL returns the base the segments below an element resolve
// against: the element's own BaseURL, made absolute against the parent base
// when it is relative, else the parent base. Empty means neither is set.
func childBaseURL(parent, child, source string) (string, error) {
	if child == "" {
		return parent, nil
	}
	if parent == "" || isAbsolute(child) {
		return child, nil
	}
	base, err := resolveBase(parent, source)
	if err != nil {
		return "", err
	}
	return resolve(child, base)
}

// resolve returns ref resolved against base, leaving absolute refs untouched.
func resolve(ref string, base *url.URL) (string, error) {
	if isAbsolute(ref) {
		return ref, nil
	}
	u, err := parseTemplate(ref)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(base.ResolveReference(u).String(), pctSentinel, "%"), nil
}

func parseTemplate(ref string) (*url.URL, error) {
	u, err := url.Parse(strings.ReplaceAll(ref, "%", pctSentinel))
	if err != nil {
		return nil, apperror.TemplateWrap(err, "could not resolve segment address "+ref)
	}
	return u, nil
}
