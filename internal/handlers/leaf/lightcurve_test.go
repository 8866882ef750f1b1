// Copyright 2025 James Ross
package leaf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLightcurveRoundTrip(t *testing.T) {
	lc := &lightcurve{
		times:  []float64{0, 0.1, 0.2},
		fluxes: []float64{1, 0.99, 1.01},
	}
	path := filepath.Join(t.TempDir(), "lc.dat")
	require.NoError(t, lc.write(path))

	got, err := readLightcurve(path)
	require.NoError(t, err)
	require.Equal(t, lc.times, got.times)
	require.Equal(t, lc.fluxes, got.fluxes)
}

func TestReadLightcurveSkipsCommentsAndBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lc.dat")
	content := "# header\n\n0.0 1.0\n# mid comment\n0.5 0.9\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	lc, err := readLightcurve(path)
	require.NoError(t, err)
	require.Equal(t, 2, lc.length())
}

func TestReadLightcurveRejectsMalformed(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.dat")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0o644))
	_, err := readLightcurve(empty)
	require.Error(t, err)

	oneCol := filepath.Join(dir, "one.dat")
	require.NoError(t, os.WriteFile(oneCol, []byte("0.5\n"), 0o644))
	_, err = readLightcurve(oneCol)
	require.ErrorContains(t, err, "expected 2 columns")
}

func TestMultiplyLightcurves(t *testing.T) {
	a := &lightcurve{times: []float64{0, 1}, fluxes: []float64{2, 3}}
	b := &lightcurve{times: []float64{0, 1}, fluxes: []float64{4, 5}}

	out, err := multiplyLightcurves(a, b)
	require.NoError(t, err)
	require.Equal(t, []float64{8, 15}, out.fluxes)

	short := &lightcurve{times: []float64{0}, fluxes: []float64{1}}
	_, err = multiplyLightcurves(a, short)
	require.ErrorContains(t, err, "length mismatch")
}

func TestRebinAveragesAndStaysMonotonic(t *testing.T) {
	// 10 samples at 0.1-day cadence, rebinned into 0.2-day bins.
	lc := &lightcurve{}
	for i := 0; i < 10; i++ {
		lc.times = append(lc.times, float64(i)*0.1)
		lc.fluxes = append(lc.fluxes, float64(i))
	}
	out, err := rebin(lc, 0.2)
	require.NoError(t, err)
	require.Equal(t, 5, out.length())
	// First bin holds samples 0 and 1.
	require.InDelta(t, 0.05, out.times[0], 1e-9)
	require.InDelta(t, 0.5, out.fluxes[0], 1e-9)
	for i := 1; i < out.length(); i++ {
		require.Greater(t, out.times[i], out.times[i-1])
	}

	_, err = rebin(lc, 0)
	require.Error(t, err)
}
