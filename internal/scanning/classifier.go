package scanning

import (
	"math/rand/v2"
)

// Open probabilities of the random model.
const (
	BaseOpenProbability   = 0.10
	CommonOpenProbability = 0.70
)

// commonlyOpen lists ports that get a second, more generous draw.
var commonlyOpen = map[int]struct{}{
	22:   {},
	80:   {},
	443:  {},
	8080: {},
}

// Classifier decides whether a port is open.
type Classifier interface {
	Classify(port int) Status
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(port int) Status

// Classify calls f(port).
func (f ClassifierFunc) Classify(port int) Status {
	return f(port)
}

// RandomClassifier is the probabilistic open/closed model. A port is open
// when a first uniform draw falls below BaseOpenProbability, or when the port
// is commonly open and an independent second draw falls below
// CommonOpenProbability.
type RandomClassifier struct {
	uniform func() float64
}

// NewRandomClassifier returns a RandomClassifier drawing from uniform, which
// must return values in [0, 1). A nil source uses math/rand/v2.
func NewRandomClassifier(uniform func() float64) *RandomClassifier {
	if uniform == nil {
		uniform = rand.Float64
	}
	return &RandomClassifier{uniform: uniform}
}

// Classify implements Classifier.
func (c *RandomClassifier) Classify(port int) Status {
	if c.uniform() < BaseOpenProbability {
		return StatusOpen
	}
	if _, ok := commonlyOpen[port]; ok && c.uniform() < CommonOpenProbability {
		return StatusOpen
	}
	return StatusClosed
}

// StaticClassifier reports a fixed set of ports as open and everything else
// as closed.
type StaticClassifier struct {
	open map[int]struct{}
}

// NewStaticClassifier returns a classifier that treats the given ports as open.
func NewStaticClassifier(open ...int) *StaticClassifier {
	set := make(map[int]struct{}, len(open))
	for _, p := range open {
		set[p] = struct{}{}
	}
	return &StaticClassifier{open: set}
}

// Classify implements Classifier.
func (c *StaticClassifier) Classify(port int) Status {
	if _, ok := c.open[port]; ok {
		return StatusOpen
	}
	return StatusClosed
}
