// Package imaging defines the image transformation boundary and a pure-Go
// default transformer.
package imaging

import (
	"strconv"
	"strings"

	"github.com/dmitrijs2005/optipress/internal/common"
)

type Format string

const (
	FormatWebP Format = "webp"
	FormatAVIF Format = "avif"
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"

	DefaultFormat  = FormatWebP
	DefaultQuality = 80
)

// ParseFormat accepts the output formats the service can be asked for.
// An empty value selects DefaultFormat.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return DefaultFormat, nil
	case FormatWebP, FormatAVIF, FormatJPEG, FormatPNG:
		return f, nil
	default:
		return "", common.Validationf("unsupported format %q", s)
	}
}

// ParseQuality never fails: absent or non-numeric values give DefaultQuality
// and numbers outside 1..100 are clamped.
func ParseQuality(s string) int {
	q, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return DefaultQuality
	}
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

func (f Format) ContentType() string {
	return "image/" + string(f)
}

func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}
