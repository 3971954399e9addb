package mocks

import (
	"context"
	"errors"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/asticode/go-astikit"
)

type MockedPlugin struct {
	Closer      *astikit.Closer
	Context     context.Context
	Graph       *filtergraph.Graph
	InitError   error
	Initialized bool
	Started     bool
}

var _ filtergraph.Plugin = (*MockedPlugin)(nil)

func NewMockedPlugin() *MockedPlugin {
	return &MockedPlugin{}
}

func (p *MockedPlugin) Init(ctx context.Context, c *astikit.Closer, g *filtergraph.Graph) error {
	p.Closer = c
	p.Context = ctx
	p.Graph = g
	if p.InitError != nil {
		return p.InitError
	}
	if p.Initialized {
		return errors.New("already initialized")
	}
	p.Initialized = true
	return nil
}

func (p *MockedPlugin) Metadata() filtergraph.Metadata {
	return filtergraph.Metadata{Name: "mocked_plugin"}
}

func (p *MockedPlugin) Start(ctx context.Context, tc astikit.TaskCreator) {
	p.Started = true
}
