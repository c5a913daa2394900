package coap

import (
	"go.uber.org/zap"

	"github.com/outofforest/coap/wire"
)

func endpointField(ep wire.Endpoint) zap.Field {
	return zap.String("endpoint", string(ep))
}

func tokenField(tok wire.Token) zap.Field {
	return zap.Stringer("token", tok)
}
