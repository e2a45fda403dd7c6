// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package lattice

// DefaultOptions returns an Options value with every field set to
// its documented default. Open applies the same defaults to any
// zero field on its own, so calling this is only useful when the
// caller wants to inspect or tweak individual defaults before
// opening.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}
