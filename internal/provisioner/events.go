// Package provisioner turns a git URI into a running, traffic-receiving
// container: clone, image build, and deploy with zero-downtime cutover
// against a reverse proxy.
package provisioner

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeployStep enumerates the Deployer's state-machine transitions. One Event
// carrying a DeployStep is emitted per transition.
type DeployStep string

const (
	StepDeployBegin                  DeployStep = "deploy_begin"
	StepCreatingNetwork              DeployStep = "creating_network"
	StepCreatedNetwork               DeployStep = "created_network"
	StepUsingExistingNetwork         DeployStep = "using_existing_network"
	StepCreatingNewContainer         DeployStep = "creating_new_container"
	StepCreatedNewContainer          DeployStep = "created_new_container"
	StepStartingNewContainer         DeployStep = "starting_new_container"
	StepStartedNewContainer          DeployStep = "started_new_container"
	StepRetrievingContainerIP        DeployStep = "retrieving_container_ip"
	StepRetrievedContainerIP         DeployStep = "retrieved_container_ip"
	StepAddingNewContainerUpstream   DeployStep = "adding_new_container_as_upstream"
	StepCreatingNewRoute             DeployStep = "creating_new_route"
	StepRemovingOldContainerUpstream DeployStep = "removing_old_container_as_upstream"
	StepStoppingOldContainer         DeployStep = "stopping_old_container"
	StepRemovingOldContainer         DeployStep = "removing_old_container"
	StepDeployEnd                    DeployStep = "deploy_end"
)

// EventKind identifies the payload carried by an Event and is the wire
// format's "type" field.
type EventKind string

const (
	KindGitCloneLine    EventKind = "git_clone"
	KindImageBuildChunk EventKind = "docker_build"
	KindDeploy          EventKind = "deploy"
	KindError           EventKind = "error"
)

// Event is the tagged union that flows from every pipeline stage up through
// the build session's broadcast channel and into the durable journal.
type Event struct {
	TS      time.Time
	Kind    EventKind
	Line    string          // GitCloneLine
	Chunk   json.RawMessage // ImageBuildChunk, forwarded verbatim from the engine
	Step    DeployStep      // Deploy
	Fields  map[string]any  // Deploy payload fields (app_id, image_id, network_name, ...)
	Message string          // Error
}

// GitCloneLine constructs a line-of-git-output event.
func GitCloneLine(line string) Event {
	return Event{TS: time.Now(), Kind: KindGitCloneLine, Line: line}
}

// ImageBuildChunk forwards one progress record from the image build engine
// verbatim.
func ImageBuildChunk(raw json.RawMessage) Event {
	return Event{TS: time.Now(), Kind: KindImageBuildChunk, Chunk: raw}
}

// Deploy constructs a deploy-step transition event with optional fields.
func Deploy(step DeployStep, fields map[string]any) Event {
	return Event{TS: time.Now(), Kind: KindDeploy, Step: step, Fields: fields}
}

// Err constructs a fatal error event.
func Err(format string, args ...any) Event {
	return Event{TS: time.Now(), Kind: KindError, Message: fmt.Sprintf(format, args...)}
}

// IsError reports whether this event is a fatal error event.
func (e Event) IsError() bool { return e.Kind == KindError }

// wireEvent is the {ts, type, event} shape journaled into builds.events.
type wireEvent struct {
	TS    time.Time       `json:"ts"`
	Type  EventKind       `json:"type"`
	Event json.RawMessage `json:"event"`
}

// MarshalJSON implements the durable serialized form appended to
// builds.events.
func (e Event) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Kind {
	case KindGitCloneLine:
		payload = map[string]string{"line": e.Line}
	case KindImageBuildChunk:
		payload = e.Chunk
	case KindDeploy:
		fields := map[string]any{"deploy": string(e.Step)}
		for k, v := range e.Fields {
			fields[k] = v
		}
		payload = fields
	case KindError:
		payload = map[string]string{"message": e.Message}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(wireEvent{TS: e.TS, Type: e.Kind, Event: raw})
}
