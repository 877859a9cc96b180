//go:build !windows

// Copyright (c) Microsoft Corporation. All rights reserved.

package terminal

var hostPlatform platform = devicePathPlatform{}
