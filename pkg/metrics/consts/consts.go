// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Tetragon

package consts

const MetricsNamespace = "ktrace"
