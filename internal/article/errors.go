// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package article

import "errors"

var (
	// ErrEmptyArticle is returned when the backing file exists but has zero
	// length; such an article is permanently bad and must never be offered.
	ErrEmptyArticle = errors.New("article: file is empty")
)
