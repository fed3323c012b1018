// Package scanning provides the simulated port scan engine for portsim.
//
// No packets are sent. Each port's verdict comes from a Classifier, and the
// engine throttles itself so a run feels like a real scan.
//
// # Overview
//
// A scan is described by a ScanRequest and executed by an Engine, which owns
// at most one running Session at a time:
//
//	engine := scanning.NewEngine(nil, scanning.WithRecorder(store))
//	session, err := engine.Start(ctx, scanning.ScanRequest{
//		Target:     "192.168.1.10",
//		Ports:      ports.Resolve("common", ""),
//		Method:     scanning.MethodAsync,
//		Timeout:    1.0,
//		MaxWorkers: 1000,
//		BannerGrab: true,
//	}, observer)
//
// Start returns immediately. Progress arrives through the Observer, and
// session.Done is closed once the session is terminal and handed off.
//
// # Lifecycle
//
// Sessions move from running to either completed or stopped, exactly once.
// A session is completed only when every port was committed without a
// cancellation request. Stop requests, parent context cancellation and
// panics inside the loop all end in stopped. Only completed sessions are
// passed to the Recorder.
//
// # Throttling
//
// The per-port delay is max(1000/rate, 10) milliseconds where rate is
// min(BaseRate(method), workers*5). Method and worker count influence
// nothing else; ports are always processed sequentially in request order.
// The request timeout is validated and reported but does not affect the
// delay.
//
// # Classification
//
// RandomClassifier implements the probabilistic model. StaticClassifier and
// ClassifierFunc provide deterministic replacements. Probe adds the service
// label and, for open ports with banner grabbing enabled, the banner text.
package scanning
