package rtsp

type Method string

const (
	MethodOptions      Method = "OPTIONS"
	MethodSetup        Method = "SETUP"
	MethodTeardown     Method = "TEARDOWN"
	MethodDescribe     Method = "DESCRIBE"
	MethodPlay         Method = "PLAY"
	MethodGetParameter Method = "GET_PARAMETER"
)

// served is the order advertised in Public and Allow headers.
var served = []Method{
	MethodOptions,
	MethodDescribe,
	MethodSetup,
	MethodPlay,
	MethodGetParameter,
	MethodTeardown,
}

func (m Method) String() string {
	return string(m)
}
