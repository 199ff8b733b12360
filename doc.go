// Package hadron is a control server for a teleoperated robot car with a
// pan/tilt camera head.
//
// Operators drive the car from a browser, a keyboard or a game
// controller. Commands from all channels are merged by a priority
// arbiter and applied by a fixed-rate control loop that stops the
// motors when input goes stale. The camera is streamed as MJPEG.
//
// # Installation
//
//	go install github.com/gwillem/hadron/cmd/hadron@latest
//
// # Usage
//
// First, run setup to pick drivers and calibrate the camera servos:
//
//	hadron setup
//
// Then start the server and open http://robot:8000/ in a browser:
//
//	hadron serve
//
// Watch a running robot from another terminal:
//
//	hadron monitor --url ws://robot:8000/ws
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/hadron: CLI with serve, setup, monitor and info commands
//   - pkg/arbiter: Priority merge of input sources
//   - pkg/teleop: Control loop with deadman and slew limiting
//   - pkg/input: Web, keyboard and gamepad event normalization
//   - pkg/session: Client sessions and event routing
//   - pkg/video: Frame fan-out to viewers
//   - pkg/camera: Frame sources
//   - pkg/actuator: Motor and servo drivers
//   - pkg/robot: Motor layout, mixing and calibration
//   - pkg/server: HTTP and websocket API
package hadron
