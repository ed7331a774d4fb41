package fsm

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	opRegister = "register"
	opRemove   = "remove"
)

// a directory mutation replicated through the raft log
type Command interface {
	toStruct() (*structpb.Struct, error)
}

type RegisterCmd struct {
	Name    string
	Address string
}

type RemoveCmd struct {
	Name string
}

func (c RegisterCmd) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"op":      opRegister,
		"name":    c.Name,
		"address": c.Address,
	})
}

func (c RemoveCmd) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"op":   opRemove,
		"name": c.Name,
	})
}

// serializes a command into a raft log payload
func Encode(cmd Command) ([]byte, error) {
	s, err := cmd.toStruct()
	if err != nil {
		return nil, fmt.Errorf("failed to convert to proto: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proto: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Command, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal proto: %w", err)
	}

	fields := s.GetFields()
	name := fields["name"].GetStringValue()
	switch op := fields["op"].GetStringValue(); op {
	case opRegister:
		return RegisterCmd{Name: name, Address: fields["address"].GetStringValue()}, nil
	case opRemove:
		return RemoveCmd{Name: name}, nil
	default:
		return nil, fmt.Errorf("unknown command op: %q", op)
	}
}
