package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// InputPort declares a point where the workflow asks the outside world for
// data.
//
// A port is an executor with the port's ID. A message of the Request type
// delivered to it becomes an ExternalRequest that the caller answers with
// LocalRunner.SendResponse; the response data is then sent on from the port
// along its outgoing edges, declared as the Response type.
type InputPort struct {
	ID       string
	Request  TypeID
	Response TypeID
}

// ExternalRequest is a pending question to the outside world.
type ExternalRequest struct {
	RequestID string `json:"request_id"`
	PortID    string `json:"port_id"`
	Data      any    `json:"data"`
}

// Respond builds the response to the request.
func (r ExternalRequest) Respond(data any) ExternalResponse {
	return ExternalResponse{RequestID: r.RequestID, PortID: r.PortID, Data: data}
}

// ExternalResponse answers an ExternalRequest.
type ExternalResponse struct {
	RequestID string `json:"request_id"`
	PortID    string `json:"port_id"`
	Data      any    `json:"data"`
}

// MessageType implements Message.
func (ExternalResponse) MessageType() TypeID { return "superstep.ExternalResponse" }

// requestPoster is implemented by the invocation context handed to port
// executors.
type requestPoster interface {
	postRequest(req ExternalRequest)
}

// portExecutor is the built-in executor behind an InputPort.
type portExecutor struct {
	port InputPort
}

const portExecutorType = "superstep.InputPort"

func (p *portExecutor) ID() string { return p.port.ID }

func (p *portExecutor) ConfigureRoutes(b *RouteBuilder) {
	b.AddHandler(p.port.Request, p.handleRequest)
	b.AddHandler(TypeFor[ExternalResponse](), p.handleResponse)
}

func (p *portExecutor) handleRequest(ctx context.Context, msg any, wctx WorkflowContext) (any, error) {
	poster, ok := wctx.(requestPoster)
	if !ok {
		return nil, fmt.Errorf("port %s: context cannot post requests", p.port.ID)
	}
	req := ExternalRequest{
		RequestID: uuid.NewString(),
		PortID:    p.port.ID,
		Data:      msg,
	}
	poster.postRequest(req)
	return req, nil
}

func (p *portExecutor) handleResponse(ctx context.Context, msg any, wctx WorkflowContext) (any, error) {
	resp, ok := msg.(ExternalResponse)
	if !ok {
		return nil, fmt.Errorf("%w: port %s expected ExternalResponse, got %T", ErrTypeMismatch, p.port.ID, msg)
	}
	if err := wctx.SendMessage(ctx, resp.Data, WithDeclaredType(p.port.Response)); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (p InputPort) registration() ExecutorRegistration {
	return ExecutorRegistration{
		ID:   p.ID,
		Type: portExecutorType,
		Factory: func(context.Context, string) (Executor, error) {
			return &portExecutor{port: p}, nil
		},
	}
}
