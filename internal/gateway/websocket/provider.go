package websocket

import "github.com/13ty/agor-sub000/internal/common/logger"

// Provide creates the WebSocket gateway and starts its event bridge.
func Provide(deps Deps, log *logger.Logger) (*Gateway, func(), error) {
	gateway := NewGateway(deps, log)
	if err := gateway.Bridge.Start(); err != nil {
		return nil, nil, err
	}
	return gateway, gateway.Bridge.Stop, nil
}
