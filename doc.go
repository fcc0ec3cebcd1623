/*
 *
 * Copyright 2026 Menmos authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# Menmos: a small distributed blob store

A menmos cluster is a single coordinator (the directory, menmosd) plus any
number of storage nodes. Clients upload, read, update and delete opaque
blobs carrying structured metadata, and query that metadata with a small
boolean expression language. Bulk data transfer bypasses the coordinator:
every blob operation is redirected to the blob's home node, authorized by a
short-lived signed grant.

## Architecture

* directory (menmosd) - owns all metadata: the durable blob store, the
  inverted bitmap index, node routing, users and credentials.

* storage node - holds blob payloads; speaks a minimal PUT/GET/DELETE
  protocol authenticated by grants.

## Data Model

* Blob, an opaque payload addressed by a 128-bit id, plus metadata: name,
  size, type (file or directory), owner, optional parent pointer, tags and
  string-or-integer fields.

* Row, the dense integer position of a blob in the bitmap index, stable
  across restarts and reused after deletion.

* Facet, one dimension of the index: tag, field key/value, parent,
  ancestor, owner, numeric field.

## Building Blocks

* bbolt
* Roaring bitmaps
* Prometheus
* argon2

*/

package menmos
