package supervisor

import (
	"github.com/strato-vm/hyperagent/internal/protocol"
	"github.com/strato-vm/hyperagent/internal/volume"
)

func (a *Agent) rememberVolumePath(volumeID, path string) {
	a.mu.Lock()
	a.volumePaths[volumeID] = path
	a.mu.Unlock()
}

func (a *Agent) volumePath(volumeID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.volumePaths[volumeID]
	return p, ok
}

func (a *Agent) handleVolumeCreate(env protocol.Envelope) {
	var req protocol.VolumeCreateRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}

	var path string
	var err error
	if req.Image != nil {
		path, err = a.volumes.CreateFromImage(req.VolumeID, *req.Image)
	} else {
		path, err = a.volumes.Create(req.VolumeID, req.Size, req.Format)
	}
	if err != nil {
		a.reply(env.RequestID, err)
		return
	}

	a.rememberVolumePath(req.VolumeID, path)
	a.replyData(env.RequestID, protocol.VolumeInfoResponse{VolumeID: req.VolumeID, Path: path}, nil)
}

func (a *Agent) handleVolumeDelete(env protocol.Envelope) {
	var req protocol.VolumeTargetRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	if err := a.volumes.Delete(req.VolumeID); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	a.mu.Lock()
	delete(a.volumePaths, req.VolumeID)
	a.mu.Unlock()
	a.reply(env.RequestID, nil)
}

func (a *Agent) handleVolumeAttach(env protocol.Envelope) {
	var req protocol.VolumeAttachRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	path, ok := a.volumePath(req.VolumeID)
	if !ok {
		a.reply(env.RequestID, volume.ErrNotFound)
		return
	}
	err := a.disp.AttachDisk(req.VMID, req.VolumeID, path, req.DeviceName, req.Readonly)
	a.reply(env.RequestID, err)
}

func (a *Agent) handleVolumeDetach(env protocol.Envelope) {
	var req protocol.VolumeAttachRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	err := a.disp.DetachDisk(req.VMID, req.VolumeID, req.DeviceName)
	a.reply(env.RequestID, err)
}

func (a *Agent) handleVolumeResize(env protocol.Envelope) {
	var req protocol.VolumeResizeRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	path, ok := a.volumePath(req.VolumeID)
	if !ok {
		a.reply(env.RequestID, volume.ErrNotFound)
		return
	}
	err := a.volumes.Resize(path, req.NewSize)
	a.reply(env.RequestID, err)
}

func (a *Agent) handleVolumeSnapshot(env protocol.Envelope) {
	var req protocol.VolumeSnapshotRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	parent, ok := a.volumePath(req.VolumeID)
	if !ok {
		a.reply(env.RequestID, volume.ErrNotFound)
		return
	}
	snapPath, err := a.volumes.Snapshot(req.VolumeID, req.SnapshotID, parent)
	if err != nil {
		a.reply(env.RequestID, err)
		return
	}
	a.replyData(env.RequestID, protocol.VolumeInfoResponse{VolumeID: req.SnapshotID, Path: snapPath}, nil)
}

func (a *Agent) handleVolumeClone(env protocol.Envelope) {
	var req protocol.VolumeCloneRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	src, ok := a.volumePath(req.VolumeID)
	if !ok {
		a.reply(env.RequestID, volume.ErrNotFound)
		return
	}
	dst, err := a.volumes.Clone(req.VolumeID, src, req.TargetID)
	if err != nil {
		a.reply(env.RequestID, err)
		return
	}
	a.rememberVolumePath(req.TargetID, dst)
	a.replyData(env.RequestID, protocol.VolumeInfoResponse{VolumeID: req.TargetID, Path: dst}, nil)
}

func (a *Agent) handleVolumeInfo(env protocol.Envelope) {
	var req protocol.VolumeTargetRequest
	if err := env.Decode(&req); err != nil {
		a.reply(env.RequestID, err)
		return
	}
	path, ok := a.volumePath(req.VolumeID)
	if !ok {
		a.reply(env.RequestID, volume.ErrNotFound)
		return
	}
	info, err := a.volumes.Info(path)
	if err != nil {
		a.reply(env.RequestID, err)
		return
	}
	a.replyData(env.RequestID, protocol.VolumeInfoResponse{
		VolumeID:         req.VolumeID,
		Path:             path,
		Format:           info.Format,
		ActualSizeBytes:  info.ActualSizeBytes,
		VirtualSizeBytes: info.VirtualSizeBytes,
		BackingFilename:  info.BackingFilename,
	}, nil)
}
