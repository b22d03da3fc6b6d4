// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// InputReader Interface
// =============================================================================

// InputReader abstracts question input so the REPL loop can be unit
// tested without a terminal.
//
// # Description
//
// The production implementations read from stdin (plain or interactive
// with history navigation); tests use MockInputReader with a canned
// question sequence.
//
// # Outputs
//
// ReadLine returns the line read with surrounding whitespace trimmed,
// or io.EOF when input is exhausted (Ctrl+D, closed pipe).
type InputReader interface {
	// ReadLine blocks until a full line of input is available.
	ReadLine() (string, error)
}

// PromptingInputReader is implemented by readers that draw their own
// prompt. The REPL checks for it to avoid printing the prompt twice:
//
//	if p, ok := reader.(PromptingInputReader); ok {
//	    p.SetPrompt("> ")
//	} else {
//	    fmt.Print("> ")
//	}
//	line, err := reader.ReadLine()
type PromptingInputReader interface {
	InputReader
	// SetPrompt sets the prompt string drawn before input.
	SetPrompt(prompt string)
}

// =============================================================================
// StdinReader Implementation
// =============================================================================

// StdinReader reads newline-terminated questions from os.Stdin.
//
// This is the fallback for piped input and CI, where the interactive
// reader cannot run. Not thread-safe; one reader per stdin.
type StdinReader struct {
	reader *bufio.Reader
}

// NewStdinReader creates a StdinReader wrapping os.Stdin.
func NewStdinReader() *StdinReader {
	return &StdinReader{
		reader: bufio.NewReader(os.Stdin),
	}
}

// ReadLine reads until newline and returns the trimmed line. Returns
// io.EOF when stdin closes. The read blocks at the OS level and cannot
// be interrupted by context cancellation.
func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// =============================================================================
// InteractiveInputReader Implementation (with history)
// =============================================================================

// InteractiveInputReader reads questions with line editing and up/down
// arrow history navigation, via charmbracelet/bubbletea.
//
// # Description
//
// Each ReadLine call runs a small bubbletea program that owns the
// terminal until the line is submitted. Submitted non-empty questions
// are kept in an in-memory history ring (not persisted across
// sessions). Ctrl+C clears the current line; Ctrl+D on an empty line
// returns io.EOF.
//
// Not thread-safe. One reader per terminal.
type InteractiveInputReader struct {
	history      []string
	historyIndex int
	maxHistory   int
	prompt       string
}

// inputModel is the bubbletea model for one line of input.
type inputModel struct {
	textInput    textinput.Model
	history      []string
	historyIndex int
	currentInput string // Stores the in-progress line while navigating history
	done         bool
	cancelled    bool
}

// NewInteractiveInputReader creates an input reader with history
// navigation, keeping at most maxHistory entries. When stdin is not a
// TTY (piped input, CI) it returns a plain StdinReader instead, so
// callers always get a working reader.
func NewInteractiveInputReader(maxHistory int) InputReader {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return NewStdinReader()
	}

	return &InteractiveInputReader{
		history:      make([]string, 0, maxHistory),
		historyIndex: -1,
		maxHistory:   maxHistory,
		prompt:       "> ",
	}
}

// SetPrompt implements PromptingInputReader. The bubbletea text input
// draws the prompt itself.
func (r *InteractiveInputReader) SetPrompt(prompt string) {
	r.prompt = prompt
}

// ReadLine reads one question with history support.
//
// Key handling:
//   - Enter submits the line
//   - Up/Down navigate history
//   - Ctrl+C clears the line and submits empty
//   - Ctrl+D on an empty line returns io.EOF
func (r *InteractiveInputReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 80

	m := inputModel{
		textInput:    ti,
		history:      r.history,
		historyIndex: -1,
	}

	// Render on stderr so stdout stays clean for machine-mode output.
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}

	result, ok := finalModel.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", finalModel)
	}

	if result.cancelled && result.textInput.Value() == "" {
		return "", io.EOF
	}

	input := strings.TrimSpace(result.textInput.Value())
	if input != "" {
		r.addToHistory(input)
	}
	return input, nil
}

// addToHistory appends a question, skipping immediate duplicates and
// trimming the oldest entry past maxHistory.
func (r *InteractiveInputReader) addToHistory(input string) {
	if len(r.history) > 0 && r.history[len(r.history)-1] == input {
		return
	}

	r.history = append(r.history, input)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

// Init implements tea.Model.
func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model, handling submission, cancellation, and
// history navigation.
func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlC:
			m.textInput.SetValue("")
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlD:
			m.cancelled = true
			m.textInput.SetValue("")
			m.done = true
			return m, tea.Quit

		case tea.KeyUp:
			if len(m.history) == 0 {
				return m, nil
			}

			// Park the in-progress line the first time history opens.
			if m.historyIndex == -1 {
				m.currentInput = m.textInput.Value()
				m.historyIndex = len(m.history) - 1
			} else if m.historyIndex > 0 {
				m.historyIndex--
			}

			m.textInput.SetValue(m.history[m.historyIndex])
			m.textInput.CursorEnd()
			return m, nil

		case tea.KeyDown:
			if m.historyIndex == -1 {
				return m, nil
			}

			if m.historyIndex < len(m.history)-1 {
				m.historyIndex++
				m.textInput.SetValue(m.history[m.historyIndex])
			} else {
				// Walked past the newest entry: restore the parked line.
				m.historyIndex = -1
				m.textInput.SetValue(m.currentInput)
			}
			m.textInput.CursorEnd()
			return m, nil
		}
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.textInput.View()
}

// =============================================================================
// MockInputReader Implementation (for testing)
// =============================================================================

// MockInputReader returns a predetermined question sequence, then
// io.EOF. Not thread-safe; for single-threaded tests.
//
//	mock := NewMockInputReader([]string{"how many orders", "q"})
//	line1, _ := mock.ReadLine() // "how many orders"
//	line2, _ := mock.ReadLine() // "q"
//	_, err := mock.ReadLine()   // io.EOF
type MockInputReader struct {
	inputs []string
	index  int
}

// NewMockInputReader creates a MockInputReader over the given inputs.
func NewMockInputReader(inputs []string) *MockInputReader {
	return &MockInputReader{
		inputs: inputs,
	}
}

// ReadLine returns the next input, or io.EOF when exhausted.
func (m *MockInputReader) ReadLine() (string, error) {
	if m.index >= len(m.inputs) {
		return "", io.EOF
	}
	line := m.inputs[m.index]
	m.index++
	return line, nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// isQuitCommand reports whether the input ends the REPL. "q" is the
// documented quit key; "quit" and "exit" are accepted for muscle
// memory. Case-sensitive; the input must already be trimmed.
func isQuitCommand(input string) bool {
	return input == "q" || input == "quit" || input == "exit"
}
