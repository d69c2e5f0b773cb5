package proxy

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"stream-corruptor/internal/platform/apperror"
)

const segmentPrefix = "segment_"

// mediaExtensions are stripped from proxy segment names before parsing.
var mediaExtensions = map[string]bool{
	".mp4":  true,
	".m4s":  true,
	".m4v":  true,
	".m4a":  true,
	".webm": true,
	".cmfv": true,
	".cmfa": true,
}

// SegmentRef is what a proxy segment name encodes:
// segment_<index>[_<bandwidth>[_<representation id>]].
type SegmentRef struct {
	// Index is the segment number, or its start time for $Time$ templates.
	Index            int64
	Bandwidth        string
	RepresentationID string
}

// SessionSnapshot is the retry state of one session.
type SessionSnapshot struct {
	Token   string          `json:"token"`
	Retries map[int64]int64 `json:"retries"`
}

// ParseSegmentName decodes a proxy segment name. Representation ids may
// themselves contain underscores.
func ParseSegmentName(name string) (SegmentRef, error) {
	if ext := path.Ext(name); mediaExtensions[strings.ToLower(ext)] {
		name = strings.TrimSuffix(name, ext)
	}
	rest, ok := strings.CutPrefix(name, segmentPrefix)
	if !ok {
		return SegmentRef{}, apperror.Validation(fmt.Sprintf("invalid segment name %q", name))
	}

	parts := strings.SplitN(rest, "_", 3)
	index, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || index < 0 {
		return SegmentRef{}, apperror.Validation(fmt.Sprintf("invalid segment index in %q", name))
	}
	ref := SegmentRef{Index: index}
	if len(parts) > 1 {
		ref.Bandwidth = parts[1]
	}
	if len(parts) > 2 {
		ref.RepresentationID = parts[2]
	}
	return ref, nil
}

var numberIdentifier = regexp.MustCompile(`\$(Number|Time)(?:%0(\d+)d)?\$`)

// Expand fills a DASH media template with ref. Identifiers ref does not
// carry are left in place.
func (ref SegmentRef) Expand(template string) string {
	out := numberIdentifier.ReplaceAllStringFunc(template, func(m string) string {
		sub := numberIdentifier.FindStringSubmatch(m)
		if sub[2] == "" {
			return strconv.FormatInt(ref.Index, 10)
		}
		width, _ := strconv.Atoi(sub[2])
		return fmt.Sprintf("%0*d", width, ref.Index)
	})
	if ref.RepresentationID != "" {
		out = strings.ReplaceAll(out, "$RepresentationID$", ref.RepresentationID)
	}
	if ref.Bandwidth != "" {
		out = strings.ReplaceAll(out, "$Bandwidth$", ref.Bandwidth)
	}
	return strings.ReplaceAll(out, "$$", "$")
}
