package screencopy

import (
	"fmt"
	"strings"

	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
)

// Region is a rectangle in output-local logical coordinates.
type Region struct {
	X      int32 `json:"x"`
	Y      int32 `json:"y"`
	Width  int32 `json:"width"`
	Height int32 `json:"height"`
}

// ParseRegion parses the "X,Y WxH" form printed by slurp.
func ParseRegion(s string) (Region, error) {
	var r Region
	s = strings.TrimSpace(s)
	n, err := fmt.Sscanf(s, "%d,%d %dx%d", &r.X, &r.Y, &r.Width, &r.Height)
	// Sscanf stops at the last verb, so trailing input only shows up when
	// the parsed rectangle is printed back.
	if err != nil || n != 4 || r.String() != s {
		return Region{}, apperrors.Newf(apperrors.CodeInvalidArgument, "invalid region %q, want \"X,Y WxH\"", s)
	}
	if err := r.Validate(); err != nil {
		return Region{}, err
	}
	return r, nil
}

// Validate rejects empty rectangles.
func (r Region) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return apperrors.Newf(apperrors.CodeInvalidArgument, "region %s has no area", r)
	}
	return nil
}

func (r Region) String() string {
	return fmt.Sprintf("%d,%d %dx%d", r.X, r.Y, r.Width, r.Height)
}
