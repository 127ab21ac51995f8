// Package drivers wraps the external tools that turn generated clips
// into a finished video: ffmpeg for trimming and merging, and a
// Remotion-style renderer CLI for the final composite-and-encode pass.
// Unlike clipgen's fixed-attempt-then-fallback retry, every driver call
// here is wrapped in cenkalti/backoff for transient subprocess and
// tool-availability failures.
package drivers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mvorchestra/engine/internal/telemetry"
	"github.com/mvorchestra/engine/pkg/mverrors"
)

// TrimSpec describes trimming one clip to an exact window.
type TrimSpec struct {
	ClipID     int
	InputPath  string
	OutputPath string
	StartTime  float64
	Duration   float64
}

// MergeSpec describes concatenating or cross-fading a clip sequence.
type MergeSpec struct {
	Clips              []string
	OutputPath         string
	TransitionDuration float64
	TransitionType     string // "none", "crossfade", "fade"
}

// EditResult is the outcome of a trim or merge.
type EditResult struct {
	Success    bool
	OutputPath string
	Duration   float64
	Error      string
}

// RenderConfig carries the full renderer parameter set; the renderer
// CLI argument list is built directly from these fields.
type RenderConfig struct {
	CompositionID     string
	Width             int
	Height            int
	FPS               int
	DurationInFrames  int // 0 means auto-calculate from the video
	OutputFormat      string
	Codec             string
	AudioCodec        string
	AudioBitrate      string
	VideoBitrate      string
	CRF               int
}

// DefaultRenderConfig returns the standard 1080p30 h264 configuration.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		CompositionID: "MVOrchestra",
		Width:         1920,
		Height:        1080,
		FPS:           30,
		OutputFormat:  "mp4",
		Codec:         "h264",
		AudioCodec:    "aac",
		AudioBitrate:  "320k",
		VideoBitrate:  "8M",
		CRF:           18,
	}
}

// RenderResult is the outcome of a render pass.
type RenderResult struct {
	Success    bool
	OutputPath string
	Duration   float64
	RenderTime time.Duration
	FileSize   int64
	Error      string
	Logs       string
}

// Driver invokes ffmpeg/ffprobe/the renderer CLI as subprocesses.
type Driver struct {
	FFmpegPath  string
	FFprobePath string
	RendererCLI string
	MaxRetries  int
}

// New builds a Driver. maxRetries <= 0 defaults to 3.
func New(ffmpegPath, ffprobePath, rendererCLI string, maxRetries int) *Driver {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Driver{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, RendererCLI: rendererCLI, MaxRetries: maxRetries}
}

func (d *Driver) retry(ctx context.Context, op func() (any, error)) (any, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(d.MaxRetries)),
	)
}

// Trim cuts InputPath down to [StartTime, StartTime+Duration) via
// ffmpeg stream copy.
func (d *Driver) Trim(ctx context.Context, spec TrimSpec) (EditResult, error) {
	logger := telemetry.FromContext(ctx).With().Int("clip_id", spec.ClipID).Logger()
	logger.Debug().Float64("duration", spec.Duration).Str("input", spec.InputPath).Msg("trimming clip")

	result, err := d.retry(ctx, func() (any, error) {
		cmd := exec.CommandContext(ctx, d.FFmpegPath,
			"-i", spec.InputPath,
			"-ss", formatSeconds(spec.StartTime),
			"-t", formatSeconds(spec.Duration),
			"-c", "copy",
			"-y",
			spec.OutputPath,
		)
		var stderr strings.Builder
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("%w: ffmpeg trim: %s", mverrors.ErrSubprocessFailed, stderr.String())
		}
		if !fileExists(spec.OutputPath) {
			return nil, fmt.Errorf("%w: trim output not created: %s", mverrors.ErrIO, spec.OutputPath)
		}

		actualDuration, _ := d.videoDuration(ctx, spec.OutputPath)
		return EditResult{Success: true, OutputPath: spec.OutputPath, Duration: actualDuration}, nil
	})
	if err != nil {
		return EditResult{Success: false, Error: err.Error()}, err
	}
	return result.(EditResult), nil
}

// Merge concatenates or cross-fades spec.Clips into a single output:
// container-level concat when no transition is requested (type "none"
// or a non-positive duration), an xfade filter chain otherwise.
func (d *Driver) Merge(ctx context.Context, spec MergeSpec) (EditResult, error) {
	logger := telemetry.FromContext(ctx)
	logger.Debug().Int("clips", len(spec.Clips)).Str("transition", spec.TransitionType).Msg("merging clips")

	result, err := d.retry(ctx, func() (any, error) {
		if spec.TransitionType == "" || spec.TransitionType == "none" || spec.TransitionDuration <= 0 || len(spec.Clips) < 2 {
			return d.concatClips(ctx, spec)
		}
		return d.mergeWithTransitions(ctx, spec)
	})
	if err != nil {
		return EditResult{Success: false, Error: err.Error()}, err
	}
	return result.(EditResult), nil
}

func (d *Driver) concatClips(ctx context.Context, spec MergeSpec) (EditResult, error) {
	concatFile := filepath.Join(filepath.Dir(spec.OutputPath), strings.TrimSuffix(filepath.Base(spec.OutputPath), filepath.Ext(spec.OutputPath))+"_concat.txt")

	var b strings.Builder
	for _, clip := range spec.Clips {
		abs, err := filepath.Abs(clip)
		if err != nil {
			abs = clip
		}
		fmt.Fprintf(&b, "file '%s'\n", abs)
	}
	if err := os.WriteFile(concatFile, []byte(b.String()), 0o644); err != nil {
		return EditResult{}, fmt.Errorf("%w: write concat file: %v", mverrors.ErrIO, err)
	}
	defer os.Remove(concatFile)

	cmd := exec.CommandContext(ctx, d.FFmpegPath,
		"-f", "concat",
		"-safe", "0",
		"-i", concatFile,
		"-c", "copy",
		"-y",
		spec.OutputPath,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return EditResult{}, fmt.Errorf("%w: ffmpeg concat: %s", mverrors.ErrSubprocessFailed, stderr.String())
	}
	if !fileExists(spec.OutputPath) {
		return EditResult{}, fmt.Errorf("%w: concat output not created: %s", mverrors.ErrIO, spec.OutputPath)
	}

	duration, _ := d.videoDuration(ctx, spec.OutputPath)
	return EditResult{Success: true, OutputPath: spec.OutputPath, Duration: duration}, nil
}

func (d *Driver) mergeWithTransitions(ctx context.Context, spec MergeSpec) (EditResult, error) {
	durations := make([]float64, len(spec.Clips))
	for i, clip := range spec.Clips {
		dur, err := d.videoDuration(ctx, clip)
		if err != nil || dur <= 0 {
			return EditResult{}, fmt.Errorf("%w: invalid clip duration: %s", mverrors.ErrIO, clip)
		}
		durations[i] = dur
	}

	filterComplex := buildTransitionFilterGraph(durations, spec.TransitionDuration, spec.TransitionType)

	args := []string{}
	for _, clip := range spec.Clips {
		args = append(args, "-i", clip)
	}
	args = append(args, "-filter_complex", filterComplex, "-y", spec.OutputPath)

	cmd := exec.CommandContext(ctx, d.FFmpegPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return EditResult{}, fmt.Errorf("%w: ffmpeg transition merge: %s", mverrors.ErrSubprocessFailed, stderr.String())
	}
	if !fileExists(spec.OutputPath) {
		return EditResult{}, fmt.Errorf("%w: transition merge output not created: %s", mverrors.ErrIO, spec.OutputPath)
	}

	duration, _ := d.videoDuration(ctx, spec.OutputPath)
	return EditResult{Success: true, OutputPath: spec.OutputPath, Duration: duration}, nil
}

// buildTransitionFilterGraph builds the xfade filter chain for 2 or
// more clips. Each transition's offset is the running total of all
// prior clip durations minus one transition-duration overlap per join.
func buildTransitionFilterGraph(durations []float64, transitionDur float64, transitionType string) string {
	xfadeType := "fade"
	if transitionType == "fade" {
		xfadeType = "fadeblack"
	}

	if len(durations) == 2 {
		offset := durations[0] - transitionDur
		return fmt.Sprintf("[0:v][1:v]xfade=transition=%s:duration=%s:offset=%s[out];[out]",
			xfadeType, formatSeconds(transitionDur), formatSeconds(offset))
	}

	var parts []string
	currentOffset := durations[0] - transitionDur

	parts = append(parts, fmt.Sprintf("[0:v][1:v]xfade=transition=%s:duration=%s:offset=%s[v01]",
		xfadeType, formatSeconds(transitionDur), formatSeconds(currentOffset)))

	for i := 2; i < len(durations); i++ {
		currentOffset += durations[i-1] - transitionDur
		prevLabel := fmt.Sprintf("v0%d", i-1)
		currLabel := fmt.Sprintf("v0%d", i)
		parts = append(parts, fmt.Sprintf("[%s][%d:v]xfade=transition=%s:duration=%s:offset=%s[%s]",
			prevLabel, i, xfadeType, formatSeconds(transitionDur), formatSeconds(currentOffset), currLabel))
	}

	filterComplex := strings.Join(parts, ";")
	lastLabel := fmt.Sprintf("v0%d", len(durations)-1)
	filterComplex += fmt.Sprintf(";[%s]", lastLabel)

	return filterComplex
}

// Render invokes the renderer CLI (e.g. `npx remotion render`) against
// projectDir, streaming stdout line by line into the logger so render
// progress is observable.
func (d *Driver) Render(ctx context.Context, projectDir, outputPath string, cfg RenderConfig) (RenderResult, error) {
	logger := telemetry.FromContext(ctx)
	start := time.Now()

	result, err := d.retry(ctx, func() (any, error) {
		args := []string{"remotion", "render", cfg.CompositionID, outputPath,
			"--codec", cfg.Codec,
			"--crf", strconv.Itoa(cfg.CRF),
			"--audio-codec", cfg.AudioCodec,
			"--audio-bitrate", cfg.AudioBitrate,
			"--video-bitrate", cfg.VideoBitrate,
		}
		if cfg.DurationInFrames > 0 {
			args = append(args, "--frames", strconv.Itoa(cfg.DurationInFrames))
		}

		cmd := exec.CommandContext(ctx, d.RendererCLI, args...)
		cmd.Dir = projectDir

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: render stdout pipe: %v", mverrors.ErrIO, err)
		}
		cmd.Stderr = cmd.Stdout

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("%w: start renderer: %v", mverrors.ErrSubprocessFailed, err)
		}

		var logLines []string
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			logLines = append(logLines, line)
			if strings.Contains(line, "Rendered") || strings.Contains(strings.ToLower(line), "frame") {
				logger.Info().Msg(line)
			}
		}

		waitErr := cmd.Wait()
		renderTime := time.Since(start)
		logs := strings.Join(logLines, "\n")

		if waitErr != nil {
			return RenderResult{Success: false, Error: fmt.Sprintf("render failed: %v", waitErr), Logs: logs, RenderTime: renderTime}, fmt.Errorf("%w: renderer exited non-zero", mverrors.ErrSubprocessFailed)
		}

		if !fileExists(outputPath) {
			return RenderResult{Success: false, Error: "output file not created", Logs: logs, RenderTime: renderTime}, fmt.Errorf("%w: render output not created: %s", mverrors.ErrIO, outputPath)
		}

		fileSize := int64(0)
		if info, err := os.Stat(outputPath); err == nil {
			fileSize = info.Size()
		}
		duration, _ := d.videoDuration(ctx, outputPath)

		logger.Info().Str("output", outputPath).Float64("duration", duration).Int64("bytes", fileSize).Dur("render_time", renderTime).Msg("render complete")

		return RenderResult{
			Success:    true,
			OutputPath: outputPath,
			Duration:   duration,
			RenderTime: renderTime,
			FileSize:   fileSize,
			Logs:       logs,
		}, nil
	})
	if err != nil {
		if r, ok := result.(RenderResult); ok {
			return r, err
		}
		return RenderResult{Success: false, Error: err.Error(), RenderTime: time.Since(start)}, err
	}
	return result.(RenderResult), nil
}

// ProjectInputs names the artifacts staged into the renderer project.
type ProjectInputs struct {
	VideoSequencePath string
	EffectsCodePath   string
	AudioPath         string
}

// SetupProject stages a renderer project directory: the effects code
// under src/, generated Composition/Root sources wiring the sequence and
// audio together, and the media assets under public/.
func (d *Driver) SetupProject(ctx context.Context, projectDir string, inputs ProjectInputs, cfg RenderConfig) error {
	logger := telemetry.FromContext(ctx)

	srcDir := filepath.Join(projectDir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return fmt.Errorf("%w: create project src dir: %v", mverrors.ErrIO, err)
	}

	if err := copyFile(inputs.EffectsCodePath, filepath.Join(srcDir, "Effects.tsx")); err != nil {
		return fmt.Errorf("%w: stage effects code: %v", mverrors.ErrIO, err)
	}

	if err := os.WriteFile(filepath.Join(srcDir, "Composition.tsx"), []byte(compositionSource()), 0o644); err != nil {
		return fmt.Errorf("%w: write composition: %v", mverrors.ErrIO, err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "Root.tsx"), []byte(rootSource(cfg)), 0o644); err != nil {
		return fmt.Errorf("%w: write root component: %v", mverrors.ErrIO, err)
	}

	publicDir := filepath.Join(projectDir, "public")
	if err := os.MkdirAll(publicDir, 0o755); err != nil {
		return fmt.Errorf("%w: create project public dir: %v", mverrors.ErrIO, err)
	}
	if err := copyFile(inputs.VideoSequencePath, filepath.Join(publicDir, "sequence.mp4")); err != nil {
		return fmt.Errorf("%w: stage video sequence: %v", mverrors.ErrIO, err)
	}
	if err := copyFile(inputs.AudioPath, filepath.Join(publicDir, "audio.mp3")); err != nil {
		return fmt.Errorf("%w: stage audio: %v", mverrors.ErrIO, err)
	}

	logger.Info().Str("project", projectDir).Msg("renderer project staged")
	return nil
}

func compositionSource() string {
	return `import React from 'react';
import { AbsoluteFill, Video, Audio } from 'remotion';
import * as Effects from './Effects';

export const MVOrchestraComposition: React.FC = () => {
  return (
    <AbsoluteFill style={{ backgroundColor: 'black' }}>
      <Video
        src="/sequence.mp4"
        style={{ width: '100%', height: '100%', objectFit: 'contain' }}
      />
      <Audio src="/audio.mp3" />
    </AbsoluteFill>
  );
};
`
}

func rootSource(cfg RenderConfig) string {
	durationFrames := cfg.DurationInFrames
	if durationFrames <= 0 {
		durationFrames = cfg.FPS * 60
	}
	return fmt.Sprintf(`import { Composition } from 'remotion';
import { MVOrchestraComposition } from './Composition';

export const RemotionRoot: React.FC = () => {
  return (
    <>
      <Composition
        id="%s"
        component={MVOrchestraComposition}
        durationInFrames={%d}
        fps={%d}
        width={%d}
        height={%d}
      />
    </>
  );
};
`, cfg.CompositionID, durationFrames, cfg.FPS, cfg.Width, cfg.Height)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (d *Driver) videoDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, d.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe: %v", mverrors.ErrSubprocessFailed, err)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, nil
	}
	return value, nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
