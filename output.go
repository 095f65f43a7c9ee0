package main

import (
	"fmt"
	"strconv"
	"strings"
)

// asciiPlot draws a crude vertical bar chart of the loss curve, scaled
// between its min and max.
func asciiPlot(values []float64) {
	const height = 10
	const width = 80
	n := len(values)
	if n == 0 {
		fmt.Println("no data to plot")
		return
	}
	// bucket long runs down to width columns
	if n > width {
		cols := make([]float64, width)
		for c := range cols {
			lo, hi := c*n/width, (c+1)*n/width
			for _, v := range values[lo:hi] {
				cols[c] += v / float64(hi-lo)
			}
		}
		values, n = cols, width
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo, hi = min(lo, v), max(hi, v)
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}
	fmt.Printf("loss %.4f .. %.4f\n", lo, hi)
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		for _, v := range values {
			if (v-lo)/span >= threshold-1e-9 {
				fmt.Print("█")
			} else {
				fmt.Print(" ")
			}
		}
		fmt.Println()
	}
	fmt.Println(strings.Repeat("─", n))
	for i := range values {
		if i%5 == 0 {
			fmt.Print(strconv.Itoa(i % 10))
		} else {
			fmt.Print(" ")
		}
	}
	fmt.Println()
}
