package server

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// AcquireLock grants user the edit lock on resource if it is free or
// already theirs. On a grant every connection sees the new holder. On
// denial the current holder is returned.
func (cs *ChatServer) AcquireLock(resource, user string) (bool, string, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return false, "", fmt.Errorf("%w: resource required", ErrInvalidMessage)
	}

	unlock := cs.lockResource(resource)
	defer unlock()

	ok, holder := cs.locks.Acquire(resource, user)
	if !ok {
		cs.log.Debug("edit lock denied", zap.String("resource", resource), zap.String("user", user), zap.String("holder", holder))
		return false, holder, nil
	}

	cs.broadcastAll(newEvent(EventEditLockStatus, LockStatus{
		Resource: resource,
		Locked:   true,
		Holder:   user,
	}))

	return true, user, nil
}

// ReleaseLock frees resource if user holds it. Releasing a lock held by
// someone else, or no lock at all, does nothing.
func (cs *ChatServer) ReleaseLock(resource, user string) (bool, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return false, fmt.Errorf("%w: resource required", ErrInvalidMessage)
	}

	unlock := cs.lockResource(resource)
	defer unlock()

	if !cs.locks.Release(resource, user) {
		return false, nil
	}

	cs.broadcastAll(newEvent(EventEditLockStatus, LockStatus{
		Resource: resource,
		Locked:   false,
	}))

	return true, nil
}

// Locks returns the held locks keyed by resource.
func (cs *ChatServer) Locks() map[string]string {
	return cs.locks.Snapshot()
}

func (cs *ChatServer) handleAcquireLock(c *Client, msg *ClientMessage) {
	resource := msg.AcquireLock.Resource

	granted, holder, err := cs.AcquireLock(resource, c.user)
	if err != nil {
		c.respondErr(msg.Id, err)
		return
	}

	if !granted {
		c.queueMessage(newEvent(EventEditLockDenied, LockStatus{
			Resource: strings.TrimSpace(resource),
			Locked:   true,
			Holder:   holder,
		}))
		c.queueMessage(ErrConflict(msg.Id, "resource locked by "+holder))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, LockStatus{Resource: strings.TrimSpace(resource), Locked: true, Holder: holder}))
}

func (cs *ChatServer) handleReleaseLock(c *Client, msg *ClientMessage) {
	released, err := cs.ReleaseLock(msg.ReleaseLock.Resource, c.user)
	if err != nil {
		c.respondErr(msg.Id, err)
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"released": released}))
}
