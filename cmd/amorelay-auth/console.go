package main

import (
	"fmt"
	"io"

	"github.com/TwiN/go-color"
)

// console prints human-facing CLI output.
type console struct {
	w io.Writer
}

func (c console) Info(message string, vars ...any) {
	fmt.Fprintf(c.w, color.Ize(color.Cyan, message+"\n"), vars...)
}

func (c console) Success(message string, vars ...any) {
	fmt.Fprintf(c.w, color.Ize(color.Green, message+"\n"), vars...)
}

func (c console) Warning(message string, vars ...any) {
	fmt.Fprintf(c.w, color.Ize(color.Yellow, message+"\n"), vars...)
}

func (c console) Field(label, value string) {
	fmt.Fprintln(c.w, color.Ize(color.Cyan, label)+value)
}

// Error formats a red error for urfave/cli to print on exit.
func (c console) Error(message string, vars ...any) error {
	return fmt.Errorf(color.Ize(color.Red, message), vars...)
}
