package cache

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// target is the set of parts that goes to a single owner
type target struct {
	address string
	parts   []*Part
}

// split groups the parts by the owner of the bucket in a storage. Primary
// buckets without an owner are sent to the local node which rejects them
// unless it has the bucket. Replica buckets without an owner are skipped.
func (p *Processor) split(storage int, parts []*Part) []target {
	var ret []target
	index := make(map[string]int)
	for _, part := range parts {
		owner := p.assignment.Owner(storage, part.Bucket)
		if owner == "" {
			if storage != 0 {
				continue
			}
			owner = p.address
		}
		i, ok := index[owner]
		if !ok {
			i = len(ret)
			index[owner] = i
			ret = append(ret, target{address: owner})
		}
		ret[i].parts = append(ret[i].parts, part)
	}
	return ret
}

// post splits the parts and sends one sub-request per owner. Every
// sub-request is registered before the first one is sent since responses
// from the local node may arrive before this returns.
func (p *Processor) post(owner *waiter, storage int, op Operation, parts []*Part, resplits int) {
	targets := p.split(storage, parts)
	subs := make([]*waiter, 0, len(targets))
	for _, t := range targets {
		w := &waiter{
			id:       p.newID(),
			op:       op,
			storage:  storage,
			receiver: t.address,
			parts:    partMap(t.parts),
			resplits: resplits,
		}
		owner.addChild(w)
		p.waiters[w.id] = w
		subs = append(subs, w)
	}
	for _, w := range subs {
		p.sendRequest(w)
	}
}

func (p *Processor) sendRequest(w *waiter) {
	req := &dataRequest{ID: w.id, Storage: w.storage, Op: w.op, Parts: w.remainingParts()}
	env, err := NewEnvelope(DataRequestMessage, p.cache, p.address, w.receiver, req)
	if err != nil {
		p.mailbox.put(&responseMessage{resp: errorResponse(w.id, p.address, err)})
		return
	}
	if err := p.send(w.receiver, env); err != nil {
		log.WithError(err).WithFields(log.Fields{"cache": p.cache, "receiver": w.receiver}).Debug("Unable to send request")
		p.mailbox.put(&responseMessage{resp: &Response{
			RequestID: w.id,
			Sender:    w.receiver,
			Code:      ResultInaccessible,
			Error:     err.Error(),
		}})
	}
}

// reply sends a response to the node that sent the request
func (p *Processor) reply(to string, resp *Response) {
	if to == p.address {
		p.mailbox.put(&responseMessage{resp: resp})
		return
	}
	env, err := NewEnvelope(DataResponseMessage, p.cache, p.address, to, resp)
	if err != nil {
		log.WithError(err).Error("Unable to encode response")
		return
	}
	if err := p.send(to, env); err != nil {
		log.WithError(err).WithFields(log.Fields{"cache": p.cache, "receiver": to}).Warning("Unable to send response")
	}
}

func (p *Processor) handleSubmit(m *submitMessage) {
	root := &waiter{
		id:     m.id,
		op:     m.req.Op,
		reply:  m.reply,
		single: m.req.Single,
		parts:  partMap(m.req.Parts),
	}
	s, err := lookupStrategy(root.op.Kind)
	if err != nil || s.single != root.single || (root.single && len(m.req.Parts) != 1) {
		if err == nil {
			err = errMalformedPart
		}
		p.finishRoot(root, errorResponse(root.id, p.address, err))
		return
	}
	if root.single {
		part := m.req.Parts[0]
		root.bucket = part.Bucket
		if len(part.Keys) > 0 {
			root.key = part.Keys[0]
		}
		owner := p.assignment.Owner(0, part.Bucket)
		if root.op.Kind == OpGet && p.front != nil && owner != "" && owner != p.address {
			if v, ok := p.front.get(root.key, p.clock.Now()); ok {
				p.finishRoot(root, &Response{Code: ResultSuccess, Result: Result{Found: true, Value: v}})
				return
			}
			root.op.Lease = true
		}
		if !s.write && owner == p.address {
			p.executeLocally(root, part)
			return
		}
	}
	p.waiters[root.id] = root
	p.post(root, 0, root.op, m.req.Parts, 0)
	p.notifyFinished(root)
}

// executeLocally processes a read for a key in a local primary bucket
// without going through the mailbox
func (p *Processor) executeLocally(root *waiter, part *Part) {
	e, rejected, _, err := p.process(0, root.op, []*Part{part})
	switch {
	case err != nil:
		p.finishRoot(root, errorResponse(root.id, p.address, err))
	case len(rejected) > 0:
		p.finishRoot(root, &Response{Code: ResultRetry})
	default:
		p.finishRoot(root, &Response{Code: ResultSuccess, Result: e.result})
	}
}

// process runs an operation on the local buckets in a storage. Buckets
// that are missing or reconfiguring are rejected. The mutations applied
// before an error are returned with the error.
func (p *Processor) process(storage int, op Operation, parts []*Part) (*execution, []int, []*Part, error) {
	s, err := lookupStrategy(op.Kind)
	if err != nil {
		return nil, nil, nil, err
	}
	e := &execution{
		op:          op,
		storage:     storage,
		now:         p.clock.Now(),
		lease:       p.config.LeaseDuration,
		executables: p.config.Executables,
	}
	var rejected []int
	var mutations []*Part
	for _, part := range parts {
		b := p.store.Get(storage, part.Bucket)
		if b == nil || b.Reconfiguring() {
			rejected = append(rejected, part.Bucket)
			continue
		}
		m, err := s.process(e, b, part)
		if m != nil {
			mutations = append(mutations, m)
		}
		if err != nil {
			return e, rejected, mutations, fmt.Errorf("%s in bucket %d: %w", op.Kind, part.Bucket, err)
		}
	}
	return e, rejected, mutations, nil
}

func (p *Processor) handleDataRequest(env *Envelope) {
	req := &dataRequest{}
	if err := env.Decode(req); err != nil {
		log.WithError(err).WithField("sender", env.Sender).Warning("Unable to decode data request")
		return
	}
	if resp := p.executeRequest(env.Sender, req); resp != nil {
		p.reply(env.Sender, resp)
	}
}

// executeRequest processes a sub-request. Writes to primary buckets are
// copied to the replicas before the response is sent, also when a later
// bucket in the same sub-request fails. A nil response means
// that the response is held back until the replicas are done.
func (p *Processor) executeRequest(sender string, req *dataRequest) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"cache": p.cache, "op": req.Op.Kind, "panic": r}).Error("Request processing panicked")
			resp = errorResponse(req.ID, p.address, fmt.Errorf("request processing panicked: %v", r))
		}
	}()
	s, err := lookupStrategy(req.Op.Kind)
	if err != nil {
		return errorResponse(req.ID, p.address, err)
	}
	e, rejected, mutations, err := p.process(req.Storage, req.Op, req.Parts)
	if err != nil {
		resp = errorResponse(req.ID, p.address, err)
	} else {
		resp = &Response{
			RequestID: req.ID,
			Sender:    p.address,
			Code:      ResultSuccess,
			Result:    e.result,
			Rejected:  rejected,
		}
	}
	if req.Storage != 0 || !s.write || len(mutations) == 0 {
		return resp
	}
	p.invalidateLeased(mutations)
	if p.config.ReplicaCount == 0 {
		return resp
	}
	primary := &waiter{
		id:      p.newID(),
		replyTo: sender,
		replyID: req.ID,
		pending: resp,
	}
	p.waiters[primary.id] = primary
	replicate := Operation{Kind: OpReplicate}
	for storage := 1; storage <= p.config.ReplicaCount; storage++ {
		p.post(primary, storage, replicate, mutations, 0)
	}
	if len(primary.children) > 0 {
		return nil
	}
	delete(p.waiters, primary.id)
	return resp
}

// invalidateLeased announces writes to buckets with an active read lease so
// the other nodes drop the entries from their front caches
func (p *Processor) invalidateLeased(mutations []*Part) {
	now := p.clock.Now()
	var leased []int
	for _, m := range mutations {
		if b := p.store.Get(0, m.Bucket); b != nil && b.LeaseActive(now) {
			leased = append(leased, m.Bucket)
		}
	}
	if len(leased) > 0 {
		p.broadcast(&GroupMessage{Kind: InvalidateFrontCacheGroupMessage, Buckets: leased})
	}
}

func (p *Processor) handleResponse(resp *Response) {
	w, ok := p.waiters[resp.RequestID]
	if !ok || w.placeholder {
		log.WithFields(log.Fields{"cache": p.cache, "id": resp.RequestID, "sender": resp.Sender}).Debug("Dropping response for unknown request")
		return
	}
	if w.isRoot() || w.parent == nil {
		p.finishRoot(w, errorResponse(w.id, p.address, errors.New("unexpected response to a request that wasn't sent")))
		return
	}
	delete(p.waiters, w.id)
	owner := w.parent
	delete(owner.children, w.id)

	switch resp.Code {
	case ResultSuccess:
		w.keepRejected(resp.Rejected)
		if w.storage == 0 {
			owner.responses = append(owner.responses, resp)
		}
	case ResultRetry, ResultInaccessible:
		log.WithFields(log.Fields{"cache": p.cache, "receiver": w.receiver, "code": resp.Code}).Debug("Sub-request will be split again")
	default:
		w.parts = nil
		owner.responses = append(owner.responses, resp)
	}
	if len(w.parts) > 0 {
		p.resplit(owner, w)
	}
	p.notifyFinished(owner)
}

// resplit schedules the remaining parts of a sub-request for another round.
// Single key requests are never split again. The client gets a retry
// response instead. Replica updates have no limit. They are sent until the
// replica owner accepts them or the replica bucket is orphaned, and the
// primary holds its response until then.
func (p *Processor) resplit(owner *waiter, w *waiter) {
	if w.storage == 0 && (owner.single || w.resplits >= p.config.MaxResplits) {
		owner.responses = append(owner.responses, &Response{
			RequestID: w.id,
			Sender:    w.receiver,
			Code:      ResultRetry,
			Rejected:  w.bucketNumbers(),
		})
		return
	}
	if w.storage != 0 && p.config.MaxResplits > 0 && w.resplits > 0 && w.resplits%p.config.MaxResplits == 0 {
		log.WithFields(log.Fields{
			"cache":    p.cache,
			"storage":  w.storage,
			"buckets":  w.bucketNumbers(),
			"attempts": w.resplits,
		}).Warning("Replica update is still pending")
	}
	placeholder := &waiter{
		id:          p.newID(),
		op:          w.op,
		storage:     w.storage,
		parts:       w.parts,
		resplits:    w.resplits + 1,
		placeholder: true,
	}
	owner.addChild(placeholder)
	p.waiters[placeholder.id] = placeholder
	p.metrics.LogResplit(p.cache)
	id := placeholder.id
	time.AfterFunc(p.config.RetryDelay, func() {
		p.mailbox.put(&resplitMessage{id: id})
	})
}

func (p *Processor) handleResplit(id uint64) {
	w, ok := p.waiters[id]
	if !ok || !w.placeholder {
		return
	}
	delete(p.waiters, id)
	owner := w.parent
	delete(owner.children, id)
	p.post(owner, w.storage, w.op, w.remainingParts(), w.resplits)
	p.notifyFinished(owner)
}

// notifyFinished completes a waiter when all of its sub-requests are done
func (p *Processor) notifyFinished(w *waiter) {
	if len(w.children) > 0 {
		return
	}
	if _, ok := p.waiters[w.id]; !ok {
		return
	}
	delete(p.waiters, w.id)
	if w.isRoot() {
		p.finishRoot(w, aggregate(w.id, p.address, w.responses))
		return
	}
	resp := w.pending
	for _, r := range w.responses {
		if r.Code == ResultError {
			resp = &Response{
				RequestID: w.replyID,
				Sender:    p.address,
				Code:      ResultError,
				Error:     "replica update failed: " + r.Error,
			}
			break
		}
	}
	p.reply(w.replyTo, resp)
}

func (p *Processor) finishRoot(root *waiter, resp *Response) {
	delete(p.waiters, root.id)
	p.removeChildren(root)
	resp.RequestID = root.id
	if resp.Sender == "" {
		resp.Sender = p.address
	}
	if root.op.Kind == OpGet && root.op.Lease && p.front != nil &&
		resp.Code == ResultSuccess && resp.Result.Found && resp.Result.LeaseExpiration > p.clock.Now() {
		p.front.put(root.key, root.bucket, resp.Result.Value, resp.Result.LeaseExpiration)
	}
	p.metrics.LogRequest(p.cache, root.op.Kind.String(), resp.Code.String())
	select {
	case root.reply <- resp:
	default:
	}
}

func (p *Processor) removeChildren(w *waiter) {
	for id, child := range w.children {
		p.removeChildren(child)
		delete(p.waiters, id)
	}
	w.children = nil
}

func (p *Processor) handleAbandon(id uint64) {
	w, ok := p.waiters[id]
	if !ok || !w.isRoot() {
		return
	}
	log.WithFields(log.Fields{"cache": p.cache, "id": id, "op": w.op.Kind}).Debug("Request abandoned")
	delete(p.waiters, id)
	p.removeChildren(w)
}

// failUnreachable answers the sub-requests sent to owners that have left
// the cluster. They will never respond.
func (p *Processor) failUnreachable(addresses []string) {
	gone := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		gone[a] = true
	}
	for id, w := range p.waiters {
		if w.placeholder || w.parent == nil || !gone[w.receiver] {
			continue
		}
		p.mailbox.put(&responseMessage{resp: &Response{
			RequestID: id,
			Sender:    w.receiver,
			Code:      ResultInaccessible,
			Error:     "owner left the cluster",
		}})
	}
}
