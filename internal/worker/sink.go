package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apk-analysis/apk-static-go/internal/staticanalysis"
)

// Sink 分析结果输出
type Sink interface {
	Write(ctx context.Context, result *staticanalysis.AnalysisResult) (string, error)
}

// JSONSink 每个 APK 写一个 <包名>-<版本号>.json
type JSONSink struct {
	Dir    string
	Pretty bool
}

// Encode 序列化结果
func (s *JSONSink) Encode(result *staticanalysis.AnalysisResult) ([]byte, error) {
	if s.Pretty {
		return json.MarshalIndent(result, "", "  ")
	}
	return json.Marshal(result)
}

// Write 先写临时文件再重命名，读者不会看到半个文件
func (s *JSONSink) Write(ctx context.Context, result *staticanalysis.AnalysisResult) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := s.Encode(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(s.Dir, result.OutputName())

	tmp, err := os.CreateTemp(s.Dir, ".result-*.json")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close result: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename result: %w", err)
	}
	return path, nil
}
