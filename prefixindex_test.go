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

import "testing"

func TestPrefixIndexInsertFindByName(t *testing.T) {
	idx := newPrefixIndex()
	idx.insert(1, "users_alice")
	idx.insert(2, "users_bob")
	idx.insert(3, "orders_42")

	id, ok := idx.findByName("users_alice")
	if !ok || id != 1 {
		t.Fatalf("findByName(users_alice) = (%d, %v), want (1, true)", id, ok)
	}

	got := idx.find("users_", 0)
	if len(got) != 2 {
		t.Fatalf("find(users_) = %v, want 2 entries", got)
	}
}

func TestPrefixIndexNamesWithoutSeparatorAreUnbucketed(t *testing.T) {
	idx := newPrefixIndex()
	idx.insert(1, "noseparator")
	if got := idx.find("", 0); len(got) != 0 {
		t.Fatalf("unprefixed name leaked into the \"\" bucket: %v", got)
	}
	if id, ok := idx.findByName("noseparator"); !ok || id != 1 {
		t.Fatalf("findByName should still work for unprefixed names")
	}
}

func TestPrefixIndexFindRespectsLimit(t *testing.T) {
	idx := newPrefixIndex()
	for i := uint64(0); i < 10; i++ {
		idx.insert(i, "bucket_"+string(rune('a'+i)))
	}
	got := idx.find("bucket_", 3)
	if len(got) != 3 {
		t.Fatalf("find with limit 3 returned %d ids", len(got))
	}
}

func TestPrefixIndexSwapRemove(t *testing.T) {
	idx := newPrefixIndex()
	idx.insert(1, "a_1")
	idx.insert(2, "a_2")
	idx.insert(3, "a_3")

	idx.remove(2, "a_2")

	got := idx.find("a_", 0)
	if len(got) != 2 {
		t.Fatalf("after remove, find(a_) = %v, want 2 entries", got)
	}
	for _, id := range got {
		if id == 2 {
			t.Fatalf("removed id 2 still present: %v", got)
		}
	}
	if _, ok := idx.findByName("a_2"); ok {
		t.Fatalf("removed name still resolves via findByName")
	}
}

func TestPrefixIndexRemoveEmptiesBucket(t *testing.T) {
	idx := newPrefixIndex()
	idx.insert(1, "solo_1")
	idx.remove(1, "solo_1")
	if got := idx.find("solo_", 0); len(got) != 0 {
		t.Fatalf("expected empty bucket after removing its only member, got %v", got)
	}
	if idx.bucketCount() != 0 {
		t.Fatalf("expected the now-empty bucket to be deleted, bucketCount=%d", idx.bucketCount())
	}
}

func TestPrefixIndexSlotTable(t *testing.T) {
	idx := newPrefixIndex()
	idx.setSlot(10, 100)
	idx.setSlot(10, 200) // reassigned, e.g. after a grow or a delete handed the old slot elsewhere

	slot, ok := idx.slotOf(10)
	if !ok || slot != 200 {
		t.Fatalf("slotOf(10) = (%d, %v), want (200, true)", slot, ok)
	}

	idx.deleteID(10)
	if _, ok := idx.slotOf(10); ok {
		t.Fatalf("slotOf after deleteID should report absent")
	}
}

func TestPrefixIndexLiveIDsAndAllSlots(t *testing.T) {
	idx := newPrefixIndex()
	idx.insert(1, "users_alice")
	idx.insert(2, "users_bob")
	idx.setSlot(1, 10)
	idx.setSlot(2, 20)
	idx.setSlot(99, 30) // a chunk continuation: has a slot but no name entry

	live := idx.liveIDs()
	if len(live) != 2 {
		t.Fatalf("liveIDs = %v, want 2 entries", live)
	}

	slots := idx.allSlots()
	if len(slots) != 3 {
		t.Fatalf("allSlots = %v, want 3 entries", slots)
	}
}

func TestPrefixIndexReset(t *testing.T) {
	idx := newPrefixIndex()
	idx.insert(1, "a_1")
	idx.setSlot(1, 5)
	idx.reset()

	if _, ok := idx.findByName("a_1"); ok {
		t.Fatalf("reset should clear the name map")
	}
	if _, ok := idx.slotOf(1); ok {
		t.Fatalf("reset should clear the slot table")
	}
	if idx.bucketCount() != 0 {
		t.Fatalf("reset should clear all buckets")
	}
}
