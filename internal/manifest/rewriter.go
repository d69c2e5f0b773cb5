package manifest

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stream-corruptor/internal/corruption"
	"stream-corruptor/internal/platform/apperror"

	"github.com/beevik/etree"
)

// ContentType is the media type of a DASH manifest.
const ContentType = "application/dash+xml"

// Proxy paths written into the manifest. They are relative so they resolve
// against wherever the proxy manifest was served from.
const (
	MasterPath = "proxy-master.mpd"

	sharedNumberPattern = "proxy-segment/segment_$Number$_$Bandwidth$_$RepresentationID$"
	sharedTimePattern   = "proxy-segment/segment_$Time$_$Bandwidth$_$RepresentationID$"
	numberPattern       = "proxy-segment/segment_$Number$.mp4"
	timePattern         = "proxy-segment/segment_$Time$.mp4"
)

var errNotMPD = errors.New("document root is not an MPD element")

// Rewriter turns an origin MPD into a proxy MPD whose segment templates
// point back at the proxy.
type Rewriter struct {
	registry *corruption.Registry
	now      func() time.Time
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithClock sets the wall clock used for live-edge computation.
func WithClock(now func() time.Time) Option {
	return func(rw *Rewriter) { rw.now = now }
}

// NewRewriter returns a Rewriter that understands the kinds in registry.
func NewRewriter(registry *corruption.Registry, opts ...Option) *Rewriter {
	rw := &Rewriter{registry: registry, now: time.Now}
	for _, opt := range opts {
		opt(rw)
	}
	return rw
}

// Rewrite parses manifest, routes every SegmentTemplate through the proxy and
// returns the serialized result. query is the manifest request's query; its
// url parameter is the origin manifest URL used to resolve relative
// addresses. When token is set, segment URLs carry it as the state parameter.
//
// Relative segment offsets (rsq) in query are resolved here, against the live
// edge at the time of the call. Segment requests must only ever see the
// rewritten, absolute form, so Rewrite has to run before any segment request
// of the session.
//
// A manifest that is not well-formed XML yields a parse error; a template
// without media or with an unresolvable address yields a template error.
func (rw *Rewriter) Rewrite(manifest []byte, query url.Values, token string) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(manifest); err != nil {
		return nil, apperror.Parse(err, "could not parse manifest")
	}
	mpd := doc.Root()
	if mpd == nil || mpd.Tag != "MPD" {
		return nil, apperror.Parse(errNotMPD, "could not parse manifest")
	}

	r := &rewrite{
		Rewriter: rw,
		mpd:      mpd,
		query:    query,
		token:    token,
		source:   query.Get(corruption.ParamURL),
		relative: rw.registry.HasRelative(query),
		offsets:  rw.registry.HasRelativeOffset(query),
	}
	if err := r.run(); err != nil {
		return nil, err
	}

	if r.static != nil {
		setLocation(mpd, MasterPath+"?"+r.static.Encode())
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return out, nil
}

// rewrite holds the state of one Rewrite call.
type rewrite struct {
	*Rewriter
	mpd      *etree.Element
	query    url.Values
	token    string
	source   string
	relative bool
	// offsets is set when resolving rsq needs the first segment number.
	offsets  bool

	// static is the query with relative offsets made absolute, set once any
	// template changed it.
	static url.Values
}

func (r *rewrite) run() error {
	rootBase := popBaseURL(r.mpd)

	for _, period := range r.mpd.SelectElements("Period") {
		periodBase, err := childBaseURL(rootBase, popBaseURL(period), r.source)
		if err != nil {
			return err
		}

		for _, set := range period.SelectElements("AdaptationSet") {
			setBase, err := childBaseURL(periodBase, popBaseURL(set), r.source)
			if err != nil {
				return err
			}

			shared := set.SelectElement("SegmentTemplate")
			if shared != nil && shared.SelectAttrValue("media", "") != "" {
				// Segment URLs must resolve against the proxy, so no
				// BaseURL may survive below the set either.
				for _, rep := range set.SelectElements("Representation") {
					popBaseURL(rep)
				}
				if err := r.template(shared, nil, nil, setBase); err != nil {
					return err
				}
				continue
			}
			for _, rep := range set.SelectElements("Representation") {
				repBase, err := childBaseURL(setBase, popBaseURL(rep), r.source)
				if err != nil {
					return err
				}
				for _, tmpl := range rep.SelectElements("SegmentTemplate") {
					if err := r.template(tmpl, shared, rep, repBase); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// template rewrites one SegmentTemplate. rep is nil in shared mode; inherited
// is the adaptation set's template a representation template may take
// numbering attributes from.
func (r *rewrite) template(tmpl, inherited, rep *etree.Element, base string) error {
	media := tmpl.SelectAttrValue("media", "")
	if media == "" {
		return apperror.Template("SegmentTemplate is missing its media attribute")
	}
	timeBased := strings.Contains(media, "$Time")

	query, err := r.segmentQuery(tmpl, inherited, timeBased)
	if err != nil {
		return err
	}

	mediaURL, err := r.resolve(media, base)
	if err != nil {
		return err
	}

	pattern := sharedNumberPattern
	if timeBased {
		pattern = sharedTimePattern
	}
	if rep != nil {
		pattern = numberPattern
		if timeBased {
			pattern = timePattern
		}
		mediaURL = strings.ReplaceAll(mediaURL, "$RepresentationID$", rep.SelectAttrValue("id", ""))
		if bandwidth := rep.SelectAttrValue("bandwidth", ""); bandwidth != "" {
			mediaURL = strings.ReplaceAll(mediaURL, "$Bandwidth$", bandwidth)
			query.Set(corruption.ParamBitrate, bandwidth)
		}
	}

	query.Set(corruption.ParamURL, mediaURL)
	if r.token != "" {
		query.Set(corruption.ParamState, r.token)
	}
	tmpl.CreateAttr("media", pattern+"?"+query.Encode())

	if init := tmpl.SelectAttrValue("initialization", ""); init != "" && !isAbsolute(init) {
		initURL, err := r.resolve(init, base)
		if err != nil {
			return err
		}
		tmpl.CreateAttr("initialization", initURL)
	}
	return nil
}

// resolve makes ref absolute against base, falling back to the manifest
// source URL.
func (r *rewrite) resolve(ref, base string) (string, error) {
	if isAbsolute(ref) {
		return ref, nil
	}
	baseURL, err := resolveBase(base, r.source)
	if err != nil {
		return "", err
	}
	return resolve(ref, baseURL)
}

// segmentQuery returns the query segment URLs of tmpl carry: a copy of the
// request query with relative offsets resolved against tmpl's first segment.
func (r *rewrite) segmentQuery(tmpl, inherited *etree.Element, timeBased bool) (url.Values, error) {
	if !r.relative {
		return cloneValues(r.query), nil
	}

	var first int64
	if r.offsets {
		timing, err := r.timing(tmpl, inherited, timeBased)
		if err != nil {
			return nil, err
		}
		if first, err = corruption.FirstSegment(timing, r.now()); err != nil {
			return nil, apperror.TemplateWrap(err, "could not compute first segment")
		}
	}
	query, changed, err := r.registry.ResolveRelative(r.query, first)
	if err != nil {
		return nil, err
	}
	if changed {
		r.static = cloneValues(query)
	}
	return query, nil
}

func (r *rewrite) timing(tmpl, inherited *etree.Element, timeBased bool) (corruption.Timing, error) {
	attr := func(name string) string {
		if v := tmpl.SelectAttrValue(name, ""); v != "" {
			return v
		}
		if inherited != nil {
			return inherited.SelectAttrValue(name, "")
		}
		return ""
	}

	t := corruption.Timing{TimeBased: timeBased}
	var err error
	if t.StartNumber, err = intAttr("startNumber", attr("startNumber"), 1); err != nil {
		return t, err
	}
	if t.Duration, err = intAttr("duration", attr("duration"), 0); err != nil {
		return t, err
	}
	if t.Timescale, err = intAttr("timescale", attr("timescale"), 1); err != nil {
		return t, err
	}
	if s := firstTimelineEntry(tmpl, inherited); s != nil {
		if t.TimelineDuration, err = intAttr("d", s.SelectAttrValue("d", ""), 0); err != nil {
			return t, err
		}
	}
	if t.AvailabilityStart, err = availabilityStart(r.mpd); err != nil {
		return t, err
	}
	return t, nil
}

func firstTimelineEntry(templates ...*etree.Element) *etree.Element {
	for _, tmpl := range templates {
		if tmpl == nil {
			continue
		}
		if timeline := tmpl.SelectElement("SegmentTimeline"); timeline != nil {
			if s := timeline.SelectElement("S"); s != nil {
				return s
			}
		}
	}
	return nil
}

func intAttr(name, value string, fallback int64) (int64, error) {
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, apperror.TemplateWrap(err, "SegmentTemplate has an invalid "+name)
	}
	return n, nil
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// availabilityStart returns MPD@availabilityStartTime, zero when absent.
// Times without a zone are UTC.
func availabilityStart(mpd *etree.Element) (time.Time, error) {
	v := mpd.SelectAttrValue("availabilityStartTime", "")
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperror.Template("MPD has an invalid availabilityStartTime %q", v)
}

// popBaseURL removes every BaseURL child of el and returns the first one's text.
func popBaseURL(el *etree.Element) string {
	var base string
	for i, b := range el.SelectElements("BaseURL") {
		if i == 0 {
			base = strings.TrimSpace(b.Text())
		}
		el.RemoveChild(b)
	}
	return base
}

// setLocation replaces the MPD's Location elements with one pointing at loc.
// It is placed before the first Period, where the schema expects it.
func setLocation(mpd *etree.Element, loc string) {
	for _, old := range mpd.SelectElements("Location") {
		mpd.RemoveChild(old)
	}
	el := etree.NewElement("Location")
	el.SetText(loc)
	if period := mpd.SelectElement("Period"); period != nil {
		mpd.InsertChildAt(period.Index(), el)
		return
	}
	mpd.AddChild(el)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
