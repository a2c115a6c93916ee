// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package workspace

import (
	"crypto/md5"
)

// Base ports for the services inside a workspace stack. Each workspace gets
// these shifted by its slot offset so many stacks can share one host.
const (
	BasePortApp        = 8000
	BasePortCache      = 6379
	BasePortVectorHTTP = 6333
	BasePortVectorGRPC = 6334
	BasePortGraph      = 7687
)

// PortMap holds the host ports allocated to one workspace's services.
type PortMap struct {
	App        int `json:"app"`
	Cache      int `json:"cache"`
	VectorHTTP int `json:"vector_http"`
	VectorGRPC int `json:"vector_grpc"`
	Graph      int `json:"graph"`
}

// AllocatePorts maps a workspace ID to its service ports. The mapping is
// pure and stable: the first three md5 digest bytes of the ID, reduced
// modulo 1000, pick one of 1000 slots; the slot times 10 offsets the base
// ports. Two workspaces collide only when their IDs land in the same slot
// (~0.1% per pair), which is accepted.
func AllocatePorts(workspaceID string) PortMap {
	sum := md5.Sum([]byte(workspaceID))
	v := int(sum[0])<<16 | int(sum[1])<<8 | int(sum[2])
	offset := (v % 1000) * 10

	return PortMap{
		App:        BasePortApp + offset,
		Cache:      BasePortCache + offset,
		VectorHTTP: BasePortVectorHTTP + offset,
		VectorGRPC: BasePortVectorGRPC + offset,
		Graph:      BasePortGraph + offset,
	}
}
