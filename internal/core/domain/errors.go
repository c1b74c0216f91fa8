package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifica falhas do runtime para decidir como reagir
type ErrorKind int

const (
	// KindConfiguration é fatal no deploy/init
	KindConfiguration ErrorKind = iota
	// KindDataConsistency indica divergência entre store e runtime
	KindDataConsistency
	// KindTransientIO é recuperável: a mensagem volta para a inbox
	KindTransientIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindDataConsistency:
		return "data_consistency"
	case KindTransientIO:
		return "transient_io"
	default:
		return "unknown"
	}
}

var (
	ErrConfiguration   = errors.New("configuration error")
	ErrDataConsistency = errors.New("data consistency error")
	ErrTransientIO     = errors.New("transient io error")

	ErrUnknownAdapterType  = errors.New("unrecognized adapter type")
	ErrBrokerNotConfigured = errors.New("broker not configured")
	ErrMissingAgent        = errors.New("missing required agent reference")
	ErrEventNotFound       = errors.New("flow event not found")
)

// Error carrega o contexto completo (grafo, adapter, evento) exigido nos logs
type Error struct {
	Kind    ErrorKind
	Op      string
	Graph   string
	Adapter string
	Event   string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" [")
		b.WriteString(e.Op)
		b.WriteString("]")
	}
	if e.Graph != "" {
		fmt.Fprintf(&b, " graph=%s", e.Graph)
	}
	if e.Adapter != "" {
		fmt.Fprintf(&b, " adapter=%s", e.Adapter)
	}
	if e.Event != "" {
		fmt.Fprintf(&b, " event=%s", e.Event)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is permite errors.Is(err, ErrConfiguration) etc. sem perder a causa original
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrDataConsistency:
		return e.Kind == KindDataConsistency
	case ErrTransientIO:
		return e.Kind == KindTransientIO
	}
	return false
}

func ConfigurationError(op string, err error) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

func DataConsistencyError(op string, err error) *Error {
	return &Error{Kind: KindDataConsistency, Op: op, Err: err}
}

func TransientIOError(op string, err error) *Error {
	return &Error{Kind: KindTransientIO, Op: op, Err: err}
}

// WithAdapter preenche grafo e adapter sem sobrescrever o que já existe
func (e *Error) WithAdapter(graph, adapter string) *Error {
	if e.Graph == "" {
		e.Graph = graph
	}
	if e.Adapter == "" {
		e.Adapter = adapter
	}
	return e
}

func (e *Error) WithEvent(id string) *Error {
	if e.Event == "" {
		e.Event = id
	}
	return e
}

// KindOf devolve a classificação de err, se houver
func KindOf(err error) (ErrorKind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

// IsFatal cobre configuração e consistência: nenhum dos dois se resolve com nova tentativa
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrDataConsistency)
}
