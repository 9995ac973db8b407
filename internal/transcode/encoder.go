package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	MasterManifestName = "master.m3u8"

	// audioGroup names the single HLS audio rendition every video variant
	// references.
	audioGroup = "audio"

	defaultFFmpegPath       = "ffmpeg"
	defaultFFprobePath      = "ffprobe"
	defaultAudioBitrateKbps = 128
	defaultSegmentSeconds   = 6
	defaultTimeout          = time.Hour
	defaultProbeTimeout     = 2 * time.Minute
	stderrTailLines         = 20
)

// Config controls the encoder binaries and the ladder they produce.
type Config struct {
	FFmpegPath       string
	FFprobePath      string
	Ladder           []Rendition
	AudioBitrateKbps int
	SegmentSeconds   int
	// Timeout bounds each ffmpeg invocation. The process is killed when it
	// elapses and the call fails with a timed-out EncodeError.
	Timeout      time.Duration
	ProbeTimeout time.Duration
	// Slots caps concurrent ffmpeg processes across all workers sharing the
	// encoder. Zero means one slot per ladder step.
	Slots  int64
	Runner Runner
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.FFmpegPath) == "" {
		c.FFmpegPath = defaultFFmpegPath
	}
	if strings.TrimSpace(c.FFprobePath) == "" {
		c.FFprobePath = defaultFFprobePath
	}
	if len(c.Ladder) == 0 {
		c.Ladder = DefaultLadder()
	}
	if c.AudioBitrateKbps <= 0 {
		c.AudioBitrateKbps = defaultAudioBitrateKbps
	}
	if c.SegmentSeconds <= 0 {
		c.SegmentSeconds = defaultSegmentSeconds
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.Slots <= 0 {
		c.Slots = int64(len(c.Ladder))
	}
	if c.Runner == nil {
		c.Runner = ExecRunner{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Encoder probes sources and produces the HLS ladder and thumbnail.
type Encoder struct {
	cfg   Config
	slots *semaphore.Weighted
}

func New(cfg Config) *Encoder {
	cfg = cfg.withDefaults()
	return &Encoder{cfg: cfg, slots: semaphore.NewWeighted(cfg.Slots)}
}

// Ladder returns a copy of the configured renditions.
func (e *Encoder) Ladder() []Rendition {
	return append([]Rendition(nil), e.cfg.Ladder...)
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width,omitempty"`
		Height    int    `json:"height,omitempty"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads the container duration and stream layout of input.
func (e *Encoder) Probe(ctx context.Context, input string) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	}
	var stdout bytes.Buffer
	stderr := newLogWriter(e.cfg.Logger, "ffprobe", stderrTailLines)
	if err := e.cfg.Runner.Run(ctx, &stdout, stderr, e.cfg.FFprobePath, args...); err != nil {
		return ProbeResult{}, e.runError("probe", ctx, err, stderr)
	}
	return ParseProbe(stdout.Bytes())
}

// ParseProbe decodes ffprobe's JSON report. A missing or unparsable duration
// is reported as 0 rather than an error, as is an empty report.
func ParseProbe(data []byte) (ProbeResult, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return ProbeResult{}, nil
	}
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return ProbeResult{}, &EncodeError{Step: "probe", Err: fmt.Errorf("decode ffprobe output: %w", err)}
	}
	result := ProbeResult{StreamsKnown: len(out.Streams) > 0}
	if out.Format.Duration != "" {
		if d, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64); err == nil && !math.IsNaN(d) && !math.IsInf(d, 0) && d > 0 {
			result.DurationSeconds = d
		}
	}
	for _, stream := range out.Streams {
		switch stream.CodecType {
		case "audio":
			result.HasAudio = true
		case "video":
			if result.Width == 0 && result.Height == 0 {
				result.Width, result.Height = stream.Width, stream.Height
			}
		}
	}
	return result, nil
}

// BuildArgs returns the ffmpeg arguments that encode input into the ladder
// under outDir in a single pass. With hasAudio the first audio stream is
// encoded once into an audio group the video variants share.
func (e *Encoder) BuildArgs(input, outDir string, hasAudio bool) []string {
	ladder := e.cfg.Ladder
	args := []string{"-y", "-hide_banner", "-nostdin", "-i", input}

	var filter strings.Builder
	fmt.Fprintf(&filter, "[0:v]split=%d", len(ladder))
	for i := range ladder {
		fmt.Fprintf(&filter, "[v%d]", i)
	}
	for i, r := range ladder {
		fmt.Fprintf(&filter, ";[v%d]scale=%d:%d[v%dout]", i, r.Width, r.Height, i)
	}
	args = append(args, "-filter_complex", filter.String())

	for i, r := range ladder {
		args = append(args,
			"-map", fmt.Sprintf("[v%dout]", i),
			fmt.Sprintf("-c:v:%d", i), "libx264",
			fmt.Sprintf("-b:v:%d", i), fmt.Sprintf("%dk", r.BitrateKbps),
			fmt.Sprintf("-maxrate:v:%d", i), fmt.Sprintf("%dk", r.BitrateKbps),
			fmt.Sprintf("-bufsize:v:%d", i), fmt.Sprintf("%dk", r.BitrateKbps*2),
		)
	}
	if hasAudio {
		args = append(args,
			"-map", "0:a:0",
			"-c:a", "aac",
			"-b:a", fmt.Sprintf("%dk", e.cfg.AudioBitrateKbps),
			"-ac", "2",
		)
	}

	segment := strconv.Itoa(e.cfg.SegmentSeconds)
	streamMap := make([]string, 0, len(ladder)+1)
	for i := range ladder {
		if hasAudio {
			streamMap = append(streamMap, fmt.Sprintf("v:%d,agroup:%s", i, audioGroup))
		} else {
			streamMap = append(streamMap, fmt.Sprintf("v:%d", i))
		}
	}
	if hasAudio {
		// The audio track is encoded once and written as its own variant,
		// stream_{len(ladder)}.m3u8, shared by every video rendition.
		streamMap = append(streamMap, "a:0,agroup:"+audioGroup)
	}
	args = append(args,
		"-preset", "veryfast",
		"-sc_threshold", "0",
		"-force_key_frames", "expr:gte(t,n_forced*"+segment+")",
		"-f", "hls",
		"-hls_time", segment,
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outDir, "segment_%v_%03d.ts"),
		"-master_pl_name", MasterManifestName,
		"-var_stream_map", strings.Join(streamMap, " "),
		filepath.Join(outDir, "stream_%v.m3u8"),
	)
	return args
}

// Encode runs ffmpeg to produce the ladder in outDir and returns the
// files it wrote. outDir must exist and should be empty.
func (e *Encoder) Encode(ctx context.Context, input, outDir string, probe ProbeResult) (Output, error) {
	if strings.TrimSpace(input) == "" {
		return Output{}, errors.New("transcode: input path is required")
	}
	info, err := os.Stat(outDir)
	if err != nil {
		return Output{}, fmt.Errorf("transcode: output dir: %w", err)
	}
	if !info.IsDir() {
		return Output{}, fmt.Errorf("transcode: output path %s is not a directory", outDir)
	}

	// Without a stream listing the encode first assumes audio and falls back
	// to video only when ffmpeg rejects that layout.
	hasAudio := probe.HasAudio || !probe.StreamsKnown
	err = e.run(ctx, "encode", e.BuildArgs(input, outDir, hasAudio))
	if err != nil && !probe.StreamsKnown && e.retryWithoutAudio(ctx, err) {
		e.cfg.Logger.Warn("encode with audio failed on an unprobed source; retrying video only", "error", err)
		if err := clearDir(outDir); err != nil {
			return Output{}, err
		}
		hasAudio = false
		err = e.run(ctx, "encode", e.BuildArgs(input, outDir, false))
	}
	if err != nil {
		return Output{}, err
	}
	return collectOutput(outDir, len(e.cfg.Ladder), hasAudio)
}

func (e *Encoder) retryWithoutAudio(ctx context.Context, err error) bool {
	var encodeErr *EncodeError
	return ctx.Err() == nil && errors.As(err, &encodeErr) && !encodeErr.TimedOut
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("transcode: read output dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("transcode: clear output dir: %w", err)
		}
	}
	return nil
}

// Thumbnail writes a single JPEG frame to dst, taken one second in, or from
// the first frame for sources shorter than that.
func (e *Encoder) Thumbnail(ctx context.Context, input, dst string, durationSeconds float64) error {
	offset := "1"
	if durationSeconds < 1 {
		offset = "0"
	}
	args := []string{
		"-y", "-hide_banner", "-nostdin",
		"-ss", offset,
		"-i", input,
		"-frames:v", "1",
		"-q:v", "2",
		dst,
	}
	if err := e.run(ctx, "thumbnail", args); err != nil {
		return err
	}
	if info, err := os.Stat(dst); err != nil || info.Size() == 0 {
		return &EncodeError{Step: "thumbnail", Err: errors.New("no thumbnail written")}
	}
	return nil
}

func (e *Encoder) run(ctx context.Context, step string, args []string) error {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return &EncodeError{Step: step, Err: err}
	}
	defer e.slots.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	stdout := newLogWriter(e.cfg.Logger.With("step", step), "stdout", 0)
	stderr := newLogWriter(e.cfg.Logger.With("step", step), "stderr", stderrTailLines)
	started := time.Now()
	err := e.cfg.Runner.Run(runCtx, stdout, stderr, e.cfg.FFmpegPath, args...)
	if err != nil {
		return e.runError(step, runCtx, err, stderr)
	}
	e.cfg.Logger.Debug("ffmpeg finished", "step", step, "elapsed", time.Since(started))
	return nil
}

// runError classifies a failed process. runCtx is the context the process
// ran under; its deadline firing means the wall-clock timeout was hit.
func (e *Encoder) runError(step string, runCtx context.Context, err error, stderr *logWriter) error {
	encodeErr := &EncodeError{Step: step, Err: err, Stderr: stderr.Tail()}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		encodeErr.TimedOut = true
		encodeErr.Err = context.DeadlineExceeded
		return encodeErr
	}
	if errors.Is(runCtx.Err(), context.Canceled) {
		encodeErr.Err = context.Canceled
		return encodeErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		encodeErr.ExitCode = exitErr.ExitCode()
	}
	return encodeErr
}

func collectOutput(dir string, renditions int, audio bool) (Output, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Output{}, fmt.Errorf("transcode: read output dir: %w", err)
	}
	out := Output{Dir: dir, MasterName: MasterManifestName}
	var haveMaster bool
	streams := make(map[string]bool, renditions)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case name == MasterManifestName:
			haveMaster = true
		case strings.HasPrefix(name, "stream_") && strings.HasSuffix(name, ".m3u8"):
			streams[name] = true
		case strings.HasPrefix(name, "segment_") && strings.HasSuffix(name, ".ts"):
		default:
			continue
		}
		out.Artifacts = append(out.Artifacts, Artifact{Path: filepath.Join(dir, name), Name: name})
	}
	if !haveMaster {
		return Output{}, &EncodeError{Step: "encode", Err: errors.New("master manifest was not written")}
	}
	variants := renditions
	if audio {
		variants++
	}
	for i := 0; i < variants; i++ {
		name := fmt.Sprintf("stream_%d.m3u8", i)
		if !streams[name] {
			return Output{}, &EncodeError{Step: "encode", Err: fmt.Errorf("%s was not written", name)}
		}
	}
	sort.Slice(out.Artifacts, func(i, j int) bool { return out.Artifacts[i].Name < out.Artifacts[j].Name })
	return out, nil
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
