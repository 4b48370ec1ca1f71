package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/autoedit/tate-api/internal/domain"
)

// stage is one unit of a simulated pipeline: a progress checkpoint plus the
// work between it and the next one.
type stage struct {
	progress float64
	step     string
	logLine  string
}

// pause sleeps for d unless ctx ends first.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// decodeInput unmarshals the task's input payload into a string map.
// A missing payload decodes to an empty map.
func decodeInput(t *domain.Task) (map[string]any, error) {
	if len(t.InputData) == 0 {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal(t.InputData, &input); err != nil {
		return nil, Permanent(fmt.Errorf("invalid input payload: %w", err))
	}
	return input, nil
}

func stringField(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

// runStages walks a simulated pipeline, reporting each checkpoint and the
// step counters as it goes.
func runStages(ctx context.Context, rep Reporter, stages []stage, stepDelay time.Duration) error {
	total := len(stages)
	for i, st := range stages {
		if err := rep.Progress(ctx, st.progress, st.step); err != nil {
			return err
		}
		if st.logLine != "" {
			if err := rep.Log(ctx, domain.LogLevelInfo, st.logLine); err != nil {
				return err
			}
		}
		if err := pause(ctx, stepDelay); err != nil {
			return err
		}
		if err := rep.Steps(ctx, i+1, total); err != nil {
			return err
		}
	}
	return nil
}

// VideoEditWorker simulates the automatic edit pipeline: music analysis,
// video analysis, time-based matching, and output generation.
type VideoEditWorker struct {
	// StepDelay throttles the simulation between checkpoints.
	StepDelay time.Duration
}

func (w *VideoEditWorker) Type() domain.TaskType { return domain.TaskTypeVideoEdit }

func (w *VideoEditWorker) Run(ctx context.Context, t *domain.Task, rep Reporter) (json.RawMessage, error) {
	input, err := decodeInput(t)
	if err != nil {
		return nil, err
	}

	if err := rep.Progress(ctx, 5, "Initializing video edit process"); err != nil {
		return nil, err
	}
	if err := rep.Log(ctx, domain.LogLevelInfo, "Starting video edit process"); err != nil {
		return nil, err
	}

	// Either a timeline XML or a raw audio+video pair must be present.
	xmlPath := stringField(input, "xml_path")
	audioPath := stringField(input, "audio_path")
	videoPath := stringField(input, "video_path")
	if xmlPath == "" && (audioPath == "" || videoPath == "") {
		return nil, Permanent(errors.New("either XML path or both audio and video paths are required"))
	}
	if err := rep.Progress(ctx, 10, "Validating input files"); err != nil {
		return nil, err
	}

	stages := []stage{
		{30, "Analyzing music", "Performing beat detection and onset analysis"},
		{50, "Analyzing video content", "Detecting shot boundaries and hero shots"},
		{70, "Performing time-based matching", "Generating editing patterns"},
		{95, "Generating output files", "Creating XML and report files"},
	}
	if err := runStages(ctx, rep, stages, w.StepDelay); err != nil {
		return nil, err
	}

	output := map[string]any{
		"output_files": map[string]string{
			"xml":       "/output/edit_result.xml",
			"explain":   "/output/explain.json",
			"qa_report": "/output/qa_report.json",
			"summary":   "/output/summary.txt",
		},
		"qa_results": map[string]any{
			"aggregate_confidence": 92.5,
			"transition_quality":   "high",
		},
	}
	return json.Marshal(output)
}

// AudioProcessWorker simulates music analysis: beat grid, tempo, onset
// strength, and energy profile extraction.
type AudioProcessWorker struct {
	StepDelay time.Duration
}

func (w *AudioProcessWorker) Type() domain.TaskType { return domain.TaskTypeAudioProcess }

func (w *AudioProcessWorker) Run(ctx context.Context, t *domain.Task, rep Reporter) (json.RawMessage, error) {
	input, err := decodeInput(t)
	if err != nil {
		return nil, err
	}
	if stringField(input, "audio_path") == "" {
		return nil, Permanent(errors.New("audio path is required"))
	}

	stages := []stage{
		{20, "Loading audio file", ""},
		{45, "Detecting beats and tempo", "Running beat tracking"},
		{70, "Computing onset envelope", ""},
		{90, "Extracting energy profile", ""},
	}
	if err := runStages(ctx, rep, stages, w.StepDelay); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"tempo_bpm":  120.0,
		"beat_count": 480,
		"duration":   240.0,
	})
}

// ImageProcessWorker simulates thumbnail and frame extraction.
type ImageProcessWorker struct {
	StepDelay time.Duration
}

func (w *ImageProcessWorker) Type() domain.TaskType { return domain.TaskTypeImageProcess }

func (w *ImageProcessWorker) Run(ctx context.Context, t *domain.Task, rep Reporter) (json.RawMessage, error) {
	input, err := decodeInput(t)
	if err != nil {
		return nil, err
	}
	if stringField(input, "video_path") == "" && stringField(input, "image_path") == "" {
		return nil, Permanent(errors.New("video or image path is required"))
	}

	stages := []stage{
		{25, "Decoding frames", ""},
		{60, "Scoring candidate frames", ""},
		{90, "Writing thumbnails", ""},
	}
	if err := runStages(ctx, rep, stages, w.StepDelay); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"thumbnails": []string{"/output/thumb_01.jpg", "/output/thumb_02.jpg"},
	})
}

// TranscriptionWorker simulates speech-to-text over the task's audio.
type TranscriptionWorker struct {
	StepDelay time.Duration
}

func (w *TranscriptionWorker) Type() domain.TaskType { return domain.TaskTypeTranscription }

func (w *TranscriptionWorker) Run(ctx context.Context, t *domain.Task, rep Reporter) (json.RawMessage, error) {
	input, err := decodeInput(t)
	if err != nil {
		return nil, err
	}
	if stringField(input, "audio_path") == "" {
		return nil, Permanent(errors.New("audio path is required"))
	}

	stages := []stage{
		{15, "Preparing audio", ""},
		{50, "Running speech recognition", "Transcribing segments"},
		{85, "Aligning timestamps", ""},
	}
	if err := runStages(ctx, rep, stages, w.StepDelay); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"transcript_path": "/output/transcript.json",
		"segment_count":   42,
	})
}

// AnalysisWorker simulates video content analysis: shot boundaries, hero
// shot detection, and motion scoring.
type AnalysisWorker struct {
	StepDelay time.Duration
}

func (w *AnalysisWorker) Type() domain.TaskType { return domain.TaskTypeAnalysis }

func (w *AnalysisWorker) Run(ctx context.Context, t *domain.Task, rep Reporter) (json.RawMessage, error) {
	input, err := decodeInput(t)
	if err != nil {
		return nil, err
	}
	if stringField(input, "video_path") == "" {
		return nil, Permanent(errors.New("video path is required"))
	}

	stages := []stage{
		{20, "Sampling frames", ""},
		{45, "Detecting shot boundaries", "Running shot boundary detection"},
		{70, "Scoring hero shots", ""},
		{90, "Computing motion profile", ""},
	}
	if err := runStages(ctx, rep, stages, w.StepDelay); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"shot_count":  18,
		"hero_shots":  []float64{12.4, 38.9, 71.2},
		"motion_mean": 0.42,
	})
}

// DefaultRegistry returns a registry with every built-in worker installed.
func DefaultRegistry(stepDelay time.Duration) *Registry {
	r := NewRegistry()
	r.Register(&VideoEditWorker{StepDelay: stepDelay})
	r.Register(&AudioProcessWorker{StepDelay: stepDelay})
	r.Register(&ImageProcessWorker{StepDelay: stepDelay})
	r.Register(&TranscriptionWorker{StepDelay: stepDelay})
	r.Register(&AnalysisWorker{StepDelay: stepDelay})
	return r
}
