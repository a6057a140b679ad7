// Package tesseract runs page images through a local Tesseract engine as a
// vision collaborator that needs no network.
//
// The engine requires libtesseract and is compiled only with the "tesseract"
// build tag:
//
//	go build -tags tesseract ./...
//
// Without the tag Recognize always returns domain.ErrRecognitionService so the
// recognition engine falls back to the text layer.
package tesseract
