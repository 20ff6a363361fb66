package service

import (
	"strings"

	"github.com/google/uuid"
)

// InstanceIDService hands out the process instance id: a short string stable
// for the life of the process and different after every restart. Running rows
// stamped with another instance's id are orphans.
type InstanceIDService struct {
	id string
}

// NewInstanceIDService generates a fresh instance id.
func NewInstanceIDService() *InstanceIDService {
	return &InstanceIDService{
		id: strings.Split(uuid.NewString(), "-")[0],
	}
}

// InstanceID returns the process instance id.
func (s *InstanceIDService) InstanceID() string {
	return s.id
}
