// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package watermark

import (
	stdtesting "testing"

	"github.com/juju/tc"
)

type watermarkSuite struct{}

func TestWatermarkSuite(t *stdtesting.T) {
	tc.Run(t, &watermarkSuite{})
}

func (s *watermarkSuite) TestParseMajorOnly(c *tc.C) {
	v, err := Parse("130")
	c.Assert(err, tc.ErrorIsNil)
	c.Check(v, tc.DeepEquals, Watermark{Major: "130"})
}

func (s *watermarkSuite) TestStringWithMinor(c *tc.C) {
	v := Watermark{Major: "130", Minor: 1}
	c.Check(v.String(), tc.Equals, "130.01")
}

func (s *watermarkSuite) TestRoundTrip(c *tc.C) {
	for _, canonical := range []string{
		"130",
		"130.01",
		"130.0z",
		"130.110",
		"0a2f",
		"0a2f.213k",
	} {
		v, err := Parse(canonical)
		c.Assert(err, tc.ErrorIsNil, tc.Commentf("parsing %q", canonical))
		c.Check(v.String(), tc.Equals, canonical)
	}
}

func (s *watermarkSuite) TestSucc(c *tc.C) {
	v := MustParse("130")
	c.Check(v.Succ().String(), tc.Equals, "130.01")
	c.Check(v.Succ().Succ().String(), tc.Equals, "130.02")
}

func (s *watermarkSuite) TestSuccPreservesOrder(c *tc.C) {
	v := MustParse("130")
	for i := 0; i < 100; i++ {
		next := v.Succ()
		c.Assert(Compare(v.String(), next.String()) < 0, tc.IsTrue,
			tc.Commentf("%q is not less than %q", v, next))
		v = next
	}
}

func (s *watermarkSuite) TestMinorEncodingSortsAcrossLengths(c *tc.C) {
	// Minor 35 encodes as a single base36 digit, minor 36 rolls over
	// to two digits. The length prefix keeps the byte order correct.
	a := Watermark{Major: "130", Minor: 35}
	b := Watermark{Major: "130", Minor: 36}
	c.Check(a.String(), tc.Equals, "130.0z")
	c.Check(b.String(), tc.Equals, "130.110")
	c.Check(Compare(a.String(), b.String()) < 0, tc.IsTrue)
}

func (s *watermarkSuite) TestParseMalformed(c *tc.C) {
	for _, bad := range []string{
		"",
		".",
		".01",
		"130.",
		"130.0",
		"130.1z",
		"130.00",
		"130.zz",
	} {
		_, err := Parse(bad)
		c.Check(err, tc.ErrorIs, ErrMalformed, tc.Commentf("parsing %q", bad))
	}
}

func (s *watermarkSuite) TestCommitNotLessThanBegin(c *tc.C) {
	begin := MustParse("123").Succ()
	commit := begin
	c.Check(Compare(commit.String(), begin.String()) >= 0, tc.IsTrue)
}
