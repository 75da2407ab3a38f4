// internal/protocol/codec.go
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"feeder-gateway/internal/model"
)

var (
	// ErrCommandRejected marks a control request that failed validation before transmission
	ErrCommandRejected = errors.New("command rejected")
	// ErrUnknownCommand marks a target/action pair or line the device does not understand
	ErrUnknownCommand = fmt.Errorf("%w: unknown command", ErrCommandRejected)
)

// Control targets understood by the feeder firmware
const (
	TargetRelay    = "relay"
	TargetAuger    = "auger"
	TargetBlower   = "blower"
	TargetActuator = "actuator"
	TargetFeeder   = "feeder"
	TargetScale    = "scale"
	TargetSystem   = "system"
)

// TelemetryKeyword is the acknowledgement keyword satisfied by any telemetry line
const TelemetryKeyword = "DATA"

// ReleaseAll in Command.Releases clears every held action
const ReleaseAll = "*"

// ValidationError describes why a control request was rejected
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", e.Err, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func rejected(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...), Err: ErrCommandRejected}
}

func unknown(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...), Err: ErrUnknownCommand}
}

// Command is an encoded control request ready for the link
type Command struct {
	Target string
	Action string
	Params map[string]float64
	Line   string

	// AckKeyword is the marker keyword of the device line that resolves this command
	AckKeyword string
	// RunTime is how long the device keeps executing after acknowledging
	RunTime time.Duration
	// DedupKey identifies requests that must not overlap
	DedupKey string
	// Releases lists targets whose held actions end once this command succeeds
	Releases []string
}

// Codec translates between control requests and device lines
type Codec struct {
	feedRunTime time.Duration
}

// NewCodec creates a codec. feedRunTime is the expected length of a feeding cycle.
func NewCodec(feedRunTime time.Duration) *Codec {
	return &Codec{feedRunTime: feedRunTime}
}

var relayLines = map[string]string{
	"all_off":    "R:0",
	"fan_on":     "R:1",
	"fan_off":    "R:2",
	"led_on":     "R:3",
	"led_off":    "R:4",
	"all_on":     "R:5",
	"fan_toggle": "R:7",
	"led_toggle": "R:8",
}

var (
	augerLines    = map[string]string{"stop": "G:0", "forward": "G:1", "reverse": "G:2"}
	blowerLines   = map[string]string{"off": "B:0", "on": "B:1", "toggle": "B:2"}
	actuatorLines = map[string]string{"stop": "A:0", "up": "A:1", "down": "A:2"}
)

var timingParams = []string{"actuator_up", "actuator_down", "auger", "blower"}

// Encode validates a request and renders it as a device line
func (c *Codec) Encode(req model.ControlRequest) (Command, error) {
	cmd := Command{
		Target: strings.ToLower(strings.TrimSpace(req.Target)),
		Action: strings.ToLower(strings.TrimSpace(req.Action)),
		Params: map[string]float64{},
	}

	var err error
	switch cmd.Target {
	case TargetRelay:
		err = c.encodeFixed(&cmd, relayLines, "R")
		if cmd.Action == "all_off" {
			cmd.Releases = []string{TargetRelay}
		}
	case TargetAuger:
		err = c.encodeAuger(&cmd, req)
	case TargetBlower:
		err = c.encodeBlower(&cmd, req)
	case TargetActuator:
		err = c.encodeActuator(&cmd, req)
	case TargetFeeder:
		err = c.encodeFeeder(&cmd, req)
	case TargetScale:
		err = c.encodeScale(&cmd, req)
	case TargetSystem:
		err = c.encodeSystem(&cmd)
	case "":
		err = rejected("target", "is required")
	default:
		err = unknown("target", "%q is not a known target", req.Target)
	}
	if err != nil {
		return Command{}, err
	}

	if cmd.DedupKey == "" {
		cmd.DedupKey = cmd.Line
	}
	return cmd, nil
}

func (c *Codec) encodeFixed(cmd *Command, lines map[string]string, ack string) error {
	line, ok := lines[cmd.Action]
	if !ok {
		return unknown("action", "%q is not a known %s action", cmd.Action, cmd.Target)
	}
	cmd.Line = line
	cmd.AckKeyword = ack
	return nil
}

func (c *Codec) encodeAuger(cmd *Command, req model.ControlRequest) error {
	if cmd.Action == "speed" {
		speed, err := intParam(req, "speed", 0, 255)
		if err != nil {
			return err
		}
		cmd.Params["speed"] = float64(speed)
		cmd.Line = fmt.Sprintf("SPD:%d", speed)
		cmd.AckKeyword = "SPD"
		return nil
	}

	if err := c.encodeFixed(cmd, augerLines, "G"); err != nil {
		return err
	}
	if cmd.Action == "stop" {
		cmd.Releases = []string{TargetAuger}
	}
	return nil
}

func (c *Codec) encodeBlower(cmd *Command, req model.ControlRequest) error {
	if cmd.Action == "speed" {
		speed, err := intParam(req, "speed", 0, 255)
		if err != nil {
			return err
		}
		cmd.Params["speed"] = float64(speed)
		// Three-character B: lines are on/off/toggle, so speeds are always zero padded
		cmd.Line = fmt.Sprintf("B:%03d", speed)
		cmd.AckKeyword = "B"
		return nil
	}

	if err := c.encodeFixed(cmd, blowerLines, "B"); err != nil {
		return err
	}
	if cmd.Action == "off" {
		cmd.Releases = []string{TargetBlower}
	}
	return nil
}

func (c *Codec) encodeActuator(cmd *Command, req model.ControlRequest) error {
	if _, timed := req.Param("duration"); timed && cmd.Action != "stop" {
		duration, err := decimalParam(req, "duration", 1, 0.1, 30)
		if err != nil {
			return err
		}

		prefix := map[string]string{"up": "U", "down": "D"}[cmd.Action]
		if prefix == "" {
			return unknown("action", "%q is not a known actuator action", cmd.Action)
		}

		seconds, _ := duration.Float64()
		cmd.Params["duration"] = seconds
		cmd.Line = prefix + ":" + duration.String()
		cmd.AckKeyword = prefix
		cmd.RunTime = time.Duration(duration.Mul(decimal.NewFromInt(int64(time.Second))).IntPart())
		return nil
	}

	if err := c.encodeFixed(cmd, actuatorLines, "A"); err != nil {
		return err
	}
	if cmd.Action == "stop" {
		cmd.Releases = []string{TargetActuator}
	}
	return nil
}

func (c *Codec) encodeFeeder(cmd *Command, req model.ControlRequest) error {
	switch cmd.Action {
	case "feed":
		amount, err := decimalParam(req, "amount", 1, 1, 1000)
		if err != nil {
			return err
		}
		grams, _ := amount.Float64()
		cmd.Params["amount"] = grams
		cmd.Line = "FEED:" + amount.String()
		cmd.AckKeyword = "FEED"
		cmd.RunTime = c.feedRunTime
		// The firmware refuses a second feed of any size while one is running
		cmd.DedupKey = TargetFeeder + "/feed"
		return nil

	case "timing":
		parts := make([]string, 0, len(timingParams))
		for _, name := range timingParams {
			value, err := decimalParam(req, name, 1, 0, 120)
			if err != nil {
				return err
			}
			seconds, _ := value.Float64()
			cmd.Params[name] = seconds
			parts = append(parts, value.String())
		}
		cmd.Line = "TIMING:" + strings.Join(parts, ":")
		cmd.AckKeyword = "TIMING"
		return nil
	}

	return unknown("action", "%q is not a known feeder action", cmd.Action)
}

func (c *Codec) encodeScale(cmd *Command, req model.ControlRequest) error {
	switch cmd.Action {
	case "tare":
		cmd.Line = "TARE"
		cmd.AckKeyword = "TARE"
		return nil
	case "reset_calibration":
		cmd.Line = "CAL:reset"
		cmd.AckKeyword = "CAL"
		return nil
	case "calibrate":
		grams, err := decimalParam(req, "weight", 0, 1, 50000)
		if err != nil {
			return err
		}
		g, _ := grams.Float64()
		cmd.Params["weight"] = g
		cmd.Line = "CAL:weight:" + grams.Div(decimal.NewFromInt(1000)).String()
		cmd.AckKeyword = "CAL"
		return nil
	}

	return unknown("action", "%q is not a known scale action", cmd.Action)
}

func (c *Codec) encodeSystem(cmd *Command) error {
	switch cmd.Action {
	case "status":
		cmd.Line = "STATUS"
		cmd.AckKeyword = TelemetryKeyword
		return nil
	case "emergency_stop":
		cmd.Line = "WEB_EMERGENCY_STOP"
		cmd.AckKeyword = "WEB_EMERGENCY"
		cmd.Releases = []string{ReleaseAll}
		return nil
	case "reset_emergency":
		cmd.Line = "WEB_RESET_EMERGENCY"
		cmd.AckKeyword = "WEB_EMERGENCY"
		return nil
	}

	return unknown("action", "%q is not a known system action", cmd.Action)
}

func intParam(req model.ControlRequest, name string, min, max int) (int, error) {
	v, ok := req.Param(name)
	if !ok {
		return 0, rejected(name, "is required")
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, rejected(name, "must be a whole number")
	}
	if v < float64(min) || v > float64(max) {
		return 0, rejected(name, "%v is outside %d-%d", v, min, max)
	}
	return int(v), nil
}

func decimalParam(req model.ControlRequest, name string, places int32, min, max float64) (decimal.Decimal, error) {
	v, ok := req.Param(name)
	if !ok {
		return decimal.Zero, rejected(name, "is required")
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, rejected(name, "must be a finite number")
	}

	d := decimal.NewFromFloat(v).Round(places)
	if d.LessThan(decimal.NewFromFloat(min)) || d.GreaterThan(decimal.NewFromFloat(max)) {
		return decimal.Zero, rejected(name, "%s is outside %v-%v", d.String(), min, max)
	}
	return d, nil
}

// ParseCommand maps a canonical device line back to the control request that produces it
func (c *Codec) ParseCommand(line string) (model.ControlRequest, error) {
	line = strings.TrimSpace(line)
	req, err := parseLine(line)
	if err != nil {
		return model.ControlRequest{}, err
	}

	// Re-encode so raw lines go through the same range checks as structured requests
	if _, err := c.Encode(req); err != nil {
		return model.ControlRequest{}, err
	}
	return req, nil
}

func parseLine(line string) (model.ControlRequest, error) {
	request := func(target, action string, params map[string]float64) (model.ControlRequest, error) {
		return model.ControlRequest{Target: target, Action: action, Params: params}, nil
	}

	switch line {
	case "":
		return model.ControlRequest{}, rejected("line", "is empty")
	case "TARE":
		return request(TargetScale, "tare", nil)
	case "CAL:reset":
		return request(TargetScale, "reset_calibration", nil)
	case "STATUS":
		return request(TargetSystem, "status", nil)
	case "WEB_EMERGENCY_STOP":
		return request(TargetSystem, "emergency_stop", nil)
	case "WEB_RESET_EMERGENCY":
		return request(TargetSystem, "reset_emergency", nil)
	}

	switch {
	case strings.HasPrefix(line, "CAL:weight:"):
		kg, err := decimal.NewFromString(strings.TrimPrefix(line, "CAL:weight:"))
		if err != nil {
			return model.ControlRequest{}, rejected("weight", "%q is not a number", line)
		}
		grams, _ := kg.Mul(decimal.NewFromInt(1000)).Float64()
		return request(TargetScale, "calibrate", map[string]float64{"weight": grams})

	case strings.HasPrefix(line, "FEED:"):
		amount, err := parseNumber("amount", strings.TrimPrefix(line, "FEED:"))
		if err != nil {
			return model.ControlRequest{}, err
		}
		return request(TargetFeeder, "feed", map[string]float64{"amount": amount})

	case strings.HasPrefix(line, "TIMING:"):
		parts := strings.Split(strings.TrimPrefix(line, "TIMING:"), ":")
		if len(parts) != len(timingParams) {
			return model.ControlRequest{}, rejected("line", "TIMING needs %d values", len(timingParams))
		}
		params := make(map[string]float64, len(parts))
		for i, name := range timingParams {
			v, err := parseNumber(name, parts[i])
			if err != nil {
				return model.ControlRequest{}, err
			}
			params[name] = v
		}
		return request(TargetFeeder, "timing", params)

	case strings.HasPrefix(line, "SPD:"):
		speed, err := parseNumber("speed", strings.TrimPrefix(line, "SPD:"))
		if err != nil {
			return model.ControlRequest{}, err
		}
		return request(TargetAuger, "speed", map[string]float64{"speed": speed})
	}

	if len(line) < 3 || line[1] != ':' {
		return model.ControlRequest{}, unknown("line", "%q is not a known command", line)
	}
	payload := line[2:]

	switch line[0] {
	case 'R':
		if action, ok := reverseLookup(relayLines, line); ok {
			return request(TargetRelay, action, nil)
		}
	case 'G':
		if action, ok := reverseLookup(augerLines, line); ok {
			return request(TargetAuger, action, nil)
		}
	case 'B':
		if len(line) == 3 {
			if action, ok := reverseLookup(blowerLines, line); ok {
				return request(TargetBlower, action, nil)
			}
			break
		}
		speed, err := parseNumber("speed", payload)
		if err != nil {
			return model.ControlRequest{}, err
		}
		return request(TargetBlower, "speed", map[string]float64{"speed": speed})
	case 'A':
		if action, ok := reverseLookup(actuatorLines, line); ok {
			return request(TargetActuator, action, nil)
		}
	case 'U', 'D':
		duration, err := parseNumber("duration", payload)
		if err != nil {
			return model.ControlRequest{}, err
		}
		action := "up"
		if line[0] == 'D' {
			action = "down"
		}
		return request(TargetActuator, action, map[string]float64{"duration": duration})
	}

	return model.ControlRequest{}, unknown("line", "%q is not a known command", line)
}

func reverseLookup(lines map[string]string, line string) (string, bool) {
	for action, l := range lines {
		if l == line {
			return action, true
		}
	}
	return "", false
}

func parseNumber(field, text string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return 0, rejected(field, "%q is not a number", text)
	}
	v, _ := d.Float64()
	return v, nil
}

// Event is a decoded inbound device line
type Event interface {
	RawLine() string
}

// RawValue is one telemetry field as received
type RawValue struct {
	Text    string
	Number  float64
	Numeric bool
}

// SensorDelta carries the channels present in one telemetry line
type SensorDelta struct {
	Values map[string]RawValue
	Line   string
}

// RawLine returns the undecoded line
func (d SensorDelta) RawLine() string { return d.Line }

// Acknowledgement is the device's answer to a command
type Acknowledgement struct {
	Marker string
	// Keyword is empty on refusals that name no command, e.g. "[ERROR] Already feeding"
	Keyword string
	Success bool
	Detail  string
	Line    string
}

// RawLine returns the undecoded line
func (a Acknowledgement) RawLine() string { return a.Line }

// Unrecognized is a line that is neither telemetry nor an acknowledgement
type Unrecognized struct {
	Line   string
	Reason string
}

// RawLine returns the undecoded line
func (u Unrecognized) RawLine() string { return u.Line }

// Decode classifies one inbound line. It never fails: malformed input
// yields Unrecognized, and malformed telemetry fields are dropped or
// reported as non-numeric values.
func (c *Codec) Decode(line string) Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Unrecognized{Line: line, Reason: "empty line"}
	}

	if strings.HasPrefix(trimmed, "[") {
		end := strings.IndexByte(trimmed, ']')
		if end < 0 {
			return Unrecognized{Line: line, Reason: "unterminated tag"}
		}
		tag := trimmed[1:end]
		rest := strings.TrimSpace(trimmed[end+1:])

		switch tag {
		case "DATA":
			return decodeTelemetry(line, rest, false)
		case "ACK":
			return decodeAck(line, tag, rest, true)
		case "NAK", "ERROR":
			return decodeAck(line, tag, rest, false)
		case "RELAY":
			return Acknowledgement{Marker: "R", Keyword: "R", Success: true, Detail: rest, Line: line}
		case "WEB_EMERGENCY":
			return Acknowledgement{Marker: tag, Keyword: tag, Success: true, Detail: rest, Line: line}
		}
		return Unrecognized{Line: line, Reason: "unknown tag " + tag}
	}

	return decodeTelemetry(line, trimmed, true)
}

func decodeTelemetry(line, payload string, bare bool) Event {
	values := make(map[string]RawValue)
	numeric := 0

	for _, segment := range strings.Split(payload, ",") {
		idx := strings.IndexByte(segment, ':')
		if idx <= 0 {
			continue
		}
		name := strings.TrimSpace(segment[:idx])
		if !validChannelName(name) {
			continue
		}

		value := parseRawValue(strings.TrimSpace(segment[idx+1:]))
		if value.Numeric {
			numeric++
		}
		values[strings.ToLower(name)] = value
	}

	// Bare lines need at least one number so banners and prompts are not mistaken for telemetry
	if len(values) == 0 || (bare && numeric == 0) {
		return Unrecognized{Line: line, Reason: "no telemetry fields"}
	}
	return SensorDelta{Values: values, Line: line}
}

func parseRawValue(text string) RawValue {
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return RawValue{Text: text}
	}
	return RawValue{Text: text, Number: v, Numeric: true}
}

func validChannelName(name string) bool {
	if len(name) < 2 || len(name) > 32 {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '_'):
		default:
			return false
		}
	}
	return true
}

// commandKeywords are the markers the firmware puts in front of a command reply
var commandKeywords = map[string]bool{
	"R": true, "G": true, "B": true, "A": true, "U": true, "D": true,
	"SPD": true, "FEED": true, "TIMING": true, "TARE": true, "CAL": true,
	"CFG": true, "WEB_EMERGENCY": true,
}

func decodeAck(line, tag, rest string, success bool) Event {
	marker, detail, _ := strings.Cut(rest, " ")
	if marker == "" && success {
		return Unrecognized{Line: line, Reason: "acknowledgement without marker"}
	}

	keyword, _, _ := strings.Cut(marker, ":")
	keyword = strings.ToUpper(keyword)
	if !success && !commandKeywords[keyword] {
		return Acknowledgement{Marker: tag, Success: false, Detail: rest, Line: line}
	}

	return Acknowledgement{
		Marker:  marker,
		Keyword: keyword,
		Success: success,
		Detail:  strings.TrimSpace(detail),
		Line:    line,
	}
}
