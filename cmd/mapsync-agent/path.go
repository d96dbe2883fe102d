package main

import (
	"math"
	"time"

	"github.com/ritzau/mapsync/pkg/model"
)

// cursorPath is a slow Lissajous figure centred on (400, 300).
func cursorPath(t time.Duration) model.Position {
	s := t.Seconds()
	return model.Position{
		X: 400 + 300*math.Sin(0.7*s),
		Y: 300 + 200*math.Sin(1.1*s),
	}
}

// dragPath circles (200, 200) once every eight seconds.
func dragPath(t time.Duration) model.Position {
	a := 2 * math.Pi * t.Seconds() / 8
	return model.Position{
		X: 200 + 80*math.Cos(a),
		Y: 200 + 80*math.Sin(a),
	}
}
