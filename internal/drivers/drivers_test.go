package drivers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestBuildTransitionFilterGraphTwoClips(t *testing.T) {
	graph := buildTransitionFilterGraph([]float64{5, 4}, 1, "crossfade")
	assert.Equal(t, "[0:v][1:v]xfade=transition=fade:duration=1.000:offset=4.000[out];[out]", graph)
}

func TestBuildTransitionFilterGraphMultiClipCumulativeOffset(t *testing.T) {
	graph := buildTransitionFilterGraph([]float64{5, 4, 6}, 1, "crossfade")
	assert.Equal(t,
		"[0:v][1:v]xfade=transition=fade:duration=1.000:offset=4.000[v01];"+
			"[v01][2:v]xfade=transition=fade:duration=1.000:offset=7.000[v02];[v02]",
		graph)
}

func TestBuildTransitionFilterGraphFadeUsesFadeblack(t *testing.T) {
	graph := buildTransitionFilterGraph([]float64{3, 3}, 0.5, "fade")
	assert.Contains(t, graph, "fadeblack")
}

func TestTrimRunsFfmpegAndVerifiesOutput(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "out.mp4")

	// Fake ffmpeg: create the expected output file regardless of args.
	ffmpeg := writeScript(t, dir, "ffmpeg.sh", `for a in "$@"; do out="$a"; done; touch "$out"`)
	ffprobe := writeScript(t, dir, "ffprobe.sh", `echo "4.0"`)

	d := New(ffmpeg, ffprobe, "npx", 1)
	result, err := d.Trim(context.Background(), TrimSpec{
		ClipID: 1, InputPath: filepath.Join(dir, "in.mp4"), OutputPath: outputPath,
		StartTime: 0, Duration: 4,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 4.0, result.Duration)
}

func TestTrimFailsWhenFfmpegExitsNonZero(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeScript(t, dir, "ffmpeg.sh", `exit 1`)
	ffprobe := writeScript(t, dir, "ffprobe.sh", `echo "0"`)

	d := New(ffmpeg, ffprobe, "npx", 1)
	_, err := d.Trim(context.Background(), TrimSpec{
		ClipID: 1, InputPath: filepath.Join(dir, "in.mp4"), OutputPath: filepath.Join(dir, "out.mp4"),
		StartTime: 0, Duration: 4,
	})
	assert.Error(t, err)
}

func TestMergeConcatenatesWithoutTransition(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "merged.mp4")

	ffmpeg := writeScript(t, dir, "ffmpeg.sh", `for a in "$@"; do out="$a"; done; touch "$out"`)
	ffprobe := writeScript(t, dir, "ffprobe.sh", `echo "8.0"`)

	clip1 := filepath.Join(dir, "a.mp4")
	clip2 := filepath.Join(dir, "b.mp4")
	require.NoError(t, os.WriteFile(clip1, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(clip2, []byte("x"), 0o644))

	d := New(ffmpeg, ffprobe, "npx", 1)
	result, err := d.Merge(context.Background(), MergeSpec{
		Clips: []string{clip1, clip2}, OutputPath: outputPath, TransitionType: "none",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 8.0, result.Duration)

	// The concat list sidecar must be cleaned up.
	_, statErr := os.Stat(filepath.Join(dir, "merged_concat.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRenderStreamsLogsAndReportsFileSize(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "final.mp4")

	renderer := writeScript(t, dir, "renderer.sh", `echo "Rendering..."; echo "Rendered 10/10 frames"; printf 'xxxxxxxxxx' > "`+outputPath+`"`)
	ffprobe := writeScript(t, dir, "ffprobe.sh", `echo "12.5"`)

	d := New("ffmpeg", ffprobe, renderer, 1)
	result, err := d.Render(context.Background(), dir, outputPath, DefaultRenderConfig())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(10), result.FileSize)
	assert.Contains(t, result.Logs, "Rendered 10/10 frames")
	assert.Equal(t, 12.5, result.Duration)
}

func TestSetupProjectStagesSourcesAndAssets(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "project")

	effects := filepath.Join(dir, "effects.tsx")
	sequence := filepath.Join(dir, "sequence.mp4")
	audio := filepath.Join(dir, "song.mp3")
	require.NoError(t, os.WriteFile(effects, []byte("export const FadeIn = () => null;"), 0o644))
	require.NoError(t, os.WriteFile(sequence, []byte("video"), 0o644))
	require.NoError(t, os.WriteFile(audio, []byte("audio"), 0o644))

	d := New("ffmpeg", "ffprobe", "npx", 1)
	err := d.SetupProject(context.Background(), projectDir, ProjectInputs{
		VideoSequencePath: sequence,
		EffectsCodePath:   effects,
		AudioPath:         audio,
	}, DefaultRenderConfig())
	require.NoError(t, err)

	staged, err := os.ReadFile(filepath.Join(projectDir, "src", "Effects.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "export const FadeIn = () => null;", string(staged))

	root, err := os.ReadFile(filepath.Join(projectDir, "src", "Root.tsx"))
	require.NoError(t, err)
	assert.Contains(t, string(root), `id="MVOrchestra"`)
	assert.Contains(t, string(root), "fps={30}")

	assert.FileExists(t, filepath.Join(projectDir, "src", "Composition.tsx"))
	assert.FileExists(t, filepath.Join(projectDir, "public", "sequence.mp4"))
	assert.FileExists(t, filepath.Join(projectDir, "public", "audio.mp3"))
}

func TestSetupProjectFailsWhenEffectsMissing(t *testing.T) {
	dir := t.TempDir()
	d := New("ffmpeg", "ffprobe", "npx", 1)
	err := d.SetupProject(context.Background(), filepath.Join(dir, "project"), ProjectInputs{
		VideoSequencePath: filepath.Join(dir, "missing.mp4"),
		EffectsCodePath:   filepath.Join(dir, "missing.tsx"),
		AudioPath:         filepath.Join(dir, "missing.mp3"),
	}, DefaultRenderConfig())
	assert.Error(t, err)
}

func TestDefaultRenderConfigMatchesOriginalDefaults(t *testing.T) {
	cfg := DefaultRenderConfig()
	assert.Equal(t, "MVOrchestra", cfg.CompositionID)
	assert.Equal(t, 1920, cfg.Width)
	assert.Equal(t, 1080, cfg.Height)
	assert.Equal(t, 30, cfg.FPS)
	assert.Equal(t, 18, cfg.CRF)
}
