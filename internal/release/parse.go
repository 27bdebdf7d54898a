package release

import (
	"regexp"
	"strings"
)

var (
	resolutionPatterns = []struct {
		resolution Resolution
		re         *regexp.Regexp
	}{
		{Resolution2160p, regexp.MustCompile(`(?i)(2160p|4k|uhd)`)},
		{Resolution1080p, regexp.MustCompile(`(?i)1080p`)},
		{Resolution720p, regexp.MustCompile(`(?i)720p`)},
		{Resolution480p, regexp.MustCompile(`(?i)480p`)},
		{ResolutionSD, regexp.MustCompile(`(?i)(sdtv|pdtv|\bsd\b)`)},
	}

	sourcePatterns = []struct {
		source Source
		re     *regexp.Regexp
	}{
		{SourceRemux, regexp.MustCompile(`(?i)remux`)},
		{SourceBluRay, regexp.MustCompile(`(?i)(blu-?ray|bdrip|brrip)`)},
		{SourceWebRip, regexp.MustCompile(`(?i)web-?rip`)},
		{SourceWebDL, regexp.MustCompile(`(?i)(web-?dl|\bweb\b)`)},
		{SourceHDTV, regexp.MustCompile(`(?i)hdtv`)},
		{SourceDVDRip, regexp.MustCompile(`(?i)(dvdrip|dvd-?r\b)`)},
		{SourceCam, regexp.MustCompile(`(?i)(hdcam|\bcam\b|telesync|\bts\b)`)},
	}

	codecPatterns = []struct {
		codec Codec
		re    *regexp.Regexp
	}{
		{CodecAV1, regexp.MustCompile(`(?i)\bav1\b`)},
		{CodecHEVC, regexp.MustCompile(`(?i)([xh]\.?265|hevc)`)},
		{CodecH264, regexp.MustCompile(`(?i)([xh]\.?264|avc)`)},
	}

	audioPatterns = []struct {
		points int
		re     *regexp.Regexp
	}{
		{8, regexp.MustCompile(`(?i)atmos`)},
		{7, regexp.MustCompile(`(?i)true-?hd`)},
		{6, regexp.MustCompile(`(?i)dts[-. ]?hd`)},
		{4, regexp.MustCompile(`(?i)dts(?:[-. ]?(?:es|x))?\b`)},
		{3, regexp.MustCompile(`(?i)\baac\b`)},
	}

	dtsHDPattern = regexp.MustCompile(`(?i)dts[-. ]?hd(?:[-. ]?ma)?`)

	samplePattern    = regexp.MustCompile(`(?i)\bsample\b`)
	hardcodedPattern = regexp.MustCompile(`(?i)(hardcoded|\bhc\b|\bhc )`)
	languagePattern  = regexp.MustCompile(`(?i)\b(french|german|spanish|italian|korean|japanese|hindi|russian|truefrench|vostfr|ita\b|rus\b|nordic|dubbed)\b`)
	multiPattern     = regexp.MustCompile(`(?i)\b(multi|english|eng)\b`)

	tvEpisodePattern = regexp.MustCompile(`(?i)[\.\s_-][Ss](\d{1,2})[Ee](\d{1,2})(?:[\.\s_-]|$)`)
	tvSeasonPattern  = regexp.MustCompile(`(?i)[\.\s_-](?:[Ss](\d{1,2})|[Ss]eason[\.\s_-]+(\d{1,2}))(?:[\.\s_-]|$)`)

	nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)
)

// DetectResolution extracts the resolution class from a release title.
func DetectResolution(title string) Resolution {
	for _, p := range resolutionPatterns {
		if p.re.MatchString(title) {
			return p.resolution
		}
	}
	return ResolutionUnknown
}

// DetectSource extracts the source medium from a release title.
func DetectSource(title string) Source {
	for _, p := range sourcePatterns {
		if p.re.MatchString(title) {
			return p.source
		}
	}
	return SourceUnknown
}

// DetectCodec extracts the video codec from a release title.
func DetectCodec(title string) Codec {
	for _, p := range codecPatterns {
		if p.re.MatchString(title) {
			return p.codec
		}
	}
	return CodecUnknown
}

// Hydrate fills resolution/source/codec from the title for releases whose
// feed lacked structured fields. Existing values are kept.
func Hydrate(r *Release) {
	if r.Resolution == ResolutionUnknown {
		r.Resolution = DetectResolution(r.Title)
	}
	if r.Source == SourceUnknown || r.Source == "" {
		r.Source = DetectSource(r.Title)
	}
	if r.Codec == CodecUnknown || r.Codec == "" {
		r.Codec = DetectCodec(r.Title)
	}
}

// audioBonus sums audio-format bonuses found in the title. Each format
// contributes at most once; plain DTS is not double counted under DTS-HD.
func audioBonus(title string) int {
	stripped := dtsHDPattern.ReplaceAllString(title, "")
	bonus := 0
	for _, p := range audioPatterns {
		probe := title
		if p.points == 4 {
			probe = stripped
		}
		if p.re.MatchString(probe) {
			bonus += p.points
		}
	}
	return bonus
}

// penalties sums negative markers found in the title.
func penalties(title string) int {
	total := 0
	if samplePattern.MatchString(title) {
		total -= 100
	}
	if hardcodedPattern.MatchString(title) {
		total -= 30
	}
	if languagePattern.MatchString(title) && !multiPattern.MatchString(title) {
		total -= 20
	}
	return total
}

// NormalizeTitle lowercases a title and strips all non-alphanumerics, for
// duplicate detection across indexers.
func NormalizeTitle(title string) string {
	return nonAlphanumeric.ReplaceAllString(strings.ToLower(title), "")
}

// ParseEpisode extracts season/episode numbers from a title. A match with
// episode == 0 and ok == true is a season pack.
func ParseEpisode(title string) (season, episode int, ok bool) {
	if m := tvEpisodePattern.FindStringSubmatch(title); m != nil {
		return atoi(m[1]), atoi(m[2]), true
	}
	if m := tvSeasonPattern.FindStringSubmatch(title); m != nil {
		n := m[1]
		if n == "" {
			n = m[2]
		}
		return atoi(n), 0, true
	}
	return 0, 0, false
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}
