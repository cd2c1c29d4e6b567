// Package ui provides terminal rendering helpers for courier commands.
package ui

import "github.com/fatih/color"

// RenderPass colors a success marker or message.
func RenderPass(s string) string {
	return color.New(color.FgGreen).Sprint(s)
}

// RenderWarn colors a warning marker or message.
func RenderWarn(s string) string {
	return color.New(color.FgYellow).Sprint(s)
}

// RenderFail colors a failure marker or message.
func RenderFail(s string) string {
	return color.New(color.FgRed).Sprint(s)
}

// RenderAccent highlights an identifier inside surrounding plain text.
func RenderAccent(s string) string {
	return color.New(color.FgHiCyan).Sprint(s)
}

// RenderDim renders secondary detail text.
func RenderDim(s string) string {
	return color.New(color.FgHiBlack).Sprint(s)
}
