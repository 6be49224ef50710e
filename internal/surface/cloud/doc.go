// Package cloud owns the point-cloud data model shared by the reconstruction
// packages and its PCD encoding.
//
// Key types: Point, Point2, RGB, Cloud.
// Colors are stored as explicit channels; the packed R<<16 | G<<8 | B form
// only exists at the PCD boundary.
package cloud
