//go:build !whisper

package stt

import "errors"

// NewWhisperLoader is unavailable unless built with -tags whisper.
func NewWhisperLoader(modelDir, pattern string, threads int) (Loader, error) {
	return nil, errors.New("lovanote was built without whisper support; rebuild with -tags whisper")
}
