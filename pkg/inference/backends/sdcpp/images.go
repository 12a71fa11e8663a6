package sdcpp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

const (
	// generateTimeout bounds one CLI invocation. Large models on CPU can
	// take minutes per image.
	generateTimeout = 10 * time.Minute

	// maxImagesPerRequest caps the n parameter.
	maxImagesPerRequest = 10

	// maxUploadBytes caps multipart memory for edit/variation source images.
	maxUploadBytes = 64 << 20

	// defaultStrength is the img2img denoise strength when the request does
	// not set one.
	defaultStrength = 0.75
)

type imageKind int

const (
	kindGeneration imageKind = iota
	kindEdit
	kindVariation
)

// imageRequest is the normalized form of a generation, edit, or variation
// request after defaults have been applied.
type imageRequest struct {
	Prompt         string
	N              int
	Width          int
	Height         int
	Steps          int
	CFGScale       float64
	Seed           int64
	Strength       float64
	ResponseFormat string
	InitImage      []byte
}

type imageData struct {
	B64JSON string `json:"b64_json,omitempty"`
	URL     string `json:"url,omitempty"`
}

type imagesResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
}

// imagesHandler serves one loaded image model. Each request shells out to the
// sd CLI, once per requested image.
type imagesHandler struct {
	backend   *sdCpp
	model     string
	artifacts inference.ModelArtifacts
}

func (h *imagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kind := kindGeneration
	switch {
	case strings.HasSuffix(r.URL.Path, "/edits"):
		kind = kindEdit
	case strings.HasSuffix(r.URL.Path, "/variations"):
		kind = kindVariation
	}

	req, err := h.parseRequest(r, kind)
	if err != nil {
		inference.WriteError(w, err)
		return
	}

	images, err := h.generate(r.Context(), req)
	if err != nil {
		inference.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(imagesResponse{
		Created: time.Now().Unix(),
		Data:    images,
	})
}

// defaults returns the model's image defaults from the catalog, falling back
// to the stock stable-diffusion values.
func (h *imagesHandler) defaults() catalog.ImageDefaults {
	defaults := catalog.ImageDefaults{Steps: 20, CFGScale: 7.0, Width: 512, Height: 512}
	if h.backend.catalog == nil {
		return defaults
	}
	entry, err := h.backend.catalog.Lookup(h.model)
	if err != nil || entry.ImageDefaults == nil {
		return defaults
	}
	if entry.ImageDefaults.Steps > 0 {
		defaults.Steps = entry.ImageDefaults.Steps
	}
	if entry.ImageDefaults.CFGScale > 0 {
		defaults.CFGScale = entry.ImageDefaults.CFGScale
	}
	if entry.ImageDefaults.Width > 0 {
		defaults.Width = entry.ImageDefaults.Width
	}
	if entry.ImageDefaults.Height > 0 {
		defaults.Height = entry.ImageDefaults.Height
	}
	return defaults
}

func (h *imagesHandler) parseRequest(r *http.Request, kind imageKind) (imageRequest, error) {
	req := imageRequest{
		N:              1,
		Seed:           -1,
		Strength:       defaultStrength,
		ResponseFormat: "b64_json",
	}
	defaults := h.defaults()
	req.Steps = defaults.Steps
	req.CFGScale = defaults.CFGScale
	req.Width = defaults.Width
	req.Height = defaults.Height

	var size string
	if kind == kindGeneration {
		var body struct {
			Prompt         string   `json:"prompt"`
			N              *int     `json:"n"`
			Size           string   `json:"size"`
			Steps          *int     `json:"steps"`
			CFGScale       *float64 `json:"cfg_scale"`
			Seed           *int64   `json:"seed"`
			ResponseFormat string   `json:"response_format"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return req, inference.NewError(inference.ErrBadRequest, "invalid request body: %v", err)
		}
		req.Prompt = body.Prompt
		if body.N != nil {
			req.N = *body.N
		}
		if body.Steps != nil {
			req.Steps = *body.Steps
		}
		if body.CFGScale != nil {
			req.CFGScale = *body.CFGScale
		}
		if body.Seed != nil {
			req.Seed = *body.Seed
		}
		if body.ResponseFormat != "" {
			req.ResponseFormat = body.ResponseFormat
		}
		size = body.Size
	} else {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return req, inference.NewError(inference.ErrBadRequest, "invalid multipart body: %v", err)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			return req, inference.NewError(inference.ErrBadRequest, "missing image upload")
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
		if err != nil {
			return req, inference.NewError(inference.ErrBadRequest, "reading image upload: %v", err)
		}
		if len(data) > maxUploadBytes {
			return req, inference.NewError(inference.ErrBadRequest, "image upload exceeds %d bytes", maxUploadBytes)
		}
		req.InitImage = data

		req.Prompt = r.FormValue("prompt")
		size = r.FormValue("size")
		if v := r.FormValue("n"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return req, inference.NewError(inference.ErrBadRequest, "invalid n: %q", v)
			}
			req.N = n
		}
		if v := r.FormValue("steps"); v != "" {
			steps, err := strconv.Atoi(v)
			if err != nil {
				return req, inference.NewError(inference.ErrBadRequest, "invalid steps: %q", v)
			}
			req.Steps = steps
		}
		if v := r.FormValue("strength"); v != "" {
			strength, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return req, inference.NewError(inference.ErrBadRequest, "invalid strength: %q", v)
			}
			req.Strength = strength
		}
		if v := r.FormValue("response_format"); v != "" {
			req.ResponseFormat = v
		}
	}

	if size != "" {
		width, height, err := parseSize(size)
		if err != nil {
			return req, err
		}
		req.Width = width
		req.Height = height
	}
	if req.Prompt == "" && kind != kindVariation {
		return req, inference.NewError(inference.ErrBadRequest, "missing required field 'prompt'")
	}
	if req.N < 1 || req.N > maxImagesPerRequest {
		return req, inference.NewError(inference.ErrBadRequest,
			"'n' must be between 1 and %d", maxImagesPerRequest)
	}
	// Without --save-images the output lands in a scratch directory that
	// is removed when the request finishes, so a file URL would dangle.
	if req.ResponseFormat == "url" && (!h.backend.config.SaveImages || h.backend.config.ImagesDir == "") {
		return req, inference.NewError(inference.ErrBadRequest,
			"response_format 'url' requires the server to run with --save-images")
	}
	return req, nil
}

func parseSize(size string) (int, int, error) {
	parts := strings.SplitN(size, "x", 2)
	if len(parts) != 2 {
		return 0, 0, inference.NewError(inference.ErrBadRequest,
			"invalid size %q, expected WIDTHxHEIGHT", size)
	}
	width, errW := strconv.Atoi(parts[0])
	height, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return 0, 0, inference.NewError(inference.ErrBadRequest,
			"invalid size %q, expected WIDTHxHEIGHT", size)
	}
	return width, height, nil
}

func (h *imagesHandler) generate(ctx context.Context, req imageRequest) ([]imageData, error) {
	if h.backend.binPath == "" {
		return nil, inference.NewError(inference.ErrInstallFailed, "stable-diffusion.cpp is not installed")
	}
	if h.artifacts.Primary == "" {
		return nil, inference.NewError(inference.ErrWeightsMissing,
			"no weights resolved for model %s", h.model)
	}

	workDir, err := os.MkdirTemp("", "sdcpp-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	initPath := ""
	if req.InitImage != nil {
		initPath = filepath.Join(workDir, "init.png")
		if err := os.WriteFile(initPath, req.InitImage, 0o600); err != nil {
			return nil, fmt.Errorf("writing source image: %w", err)
		}
	}

	images := make([]imageData, 0, req.N)
	for i := 0; i < req.N; i++ {
		outPath, err := h.outputPath(workDir, i)
		if err != nil {
			return nil, err
		}
		if err := h.runCLI(ctx, cliArgs(h.artifacts.Primary, req, initPath, outPath)); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(outPath)
		if err != nil {
			return nil, inference.NewError(inference.ErrUpstreamFailed,
				"image generation produced no output file")
		}
		if req.ResponseFormat == "url" {
			images = append(images, imageData{URL: "file://" + outPath})
		} else {
			images = append(images, imageData{B64JSON: base64.StdEncoding.EncodeToString(data)})
		}
	}
	return images, nil
}

// outputPath picks where one generated image lands: the per-request scratch
// directory normally, or the persistent images directory with --save-images.
func (h *imagesHandler) outputPath(workDir string, index int) (string, error) {
	if !h.backend.config.SaveImages || h.backend.config.ImagesDir == "" {
		return filepath.Join(workDir, fmt.Sprintf("image_%02d.png", index)), nil
	}
	if err := os.MkdirAll(h.backend.config.ImagesDir, 0o755); err != nil {
		return "", fmt.Errorf("creating images directory: %w", err)
	}
	name := fmt.Sprintf("image_%s_%02d.png", time.Now().Format("20060102-150405"), index)
	return filepath.Join(h.backend.config.ImagesDir, name), nil
}

func (h *imagesHandler) runCLI(ctx context.Context, args []string) error {
	runCtx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, h.backend.binPath, args...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return inference.NewError(inference.ErrUpstreamTimeout,
			"image generation exceeded %s", generateTimeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	h.backend.log.Warnf("stable-diffusion.cpp failed: %v", err)
	return inference.NewError(inference.ErrUpstreamFailed,
		"image generation failed: %v: %s", err, lastOutputLines(output))
}

func cliArgs(modelPath string, req imageRequest, initPath, outPath string) []string {
	args := []string{
		"-m", modelPath,
		"-p", req.Prompt,
		"-o", outPath,
		"-W", strconv.Itoa(req.Width),
		"-H", strconv.Itoa(req.Height),
		"--steps", strconv.Itoa(req.Steps),
		"--cfg-scale", strconv.FormatFloat(req.CFGScale, 'f', -1, 64),
	}
	if req.Seed >= 0 {
		args = append(args, "-s", strconv.FormatInt(req.Seed, 10))
	}
	if initPath != "" {
		args = append(args,
			"--mode", "img2img",
			"-i", initPath,
			"--strength", strconv.FormatFloat(req.Strength, 'f', 2, 64))
	}
	return args
}

func lastOutputLines(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
